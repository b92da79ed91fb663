// Package archive keeps raw inbound messages on disk until they have been
// processed successfully.
//
// Every entry is two files in one directory: the raw message and a JSON
// sidecar. Both share a stem of the form <savedAt>_<id>, where savedAt is a
// fixed-width UTC timestamp, so a plain directory listing is chronological.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	mplog "github.com/freeflowuniverse/mailpay/pkg/logger"
	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no entry exists for an id.
var ErrNotFound = errors.New("archive entry not found")

const (
	rawExt     = ".eml"
	sidecarExt = ".json"
	// stampLayout is fixed width so lexical order equals time order.
	stampLayout = "20060102T150405.000000000Z"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Metadata is the caller-supplied part of the sidecar.
type Metadata struct {
	EnvelopeFrom string          `json:"envelopeFrom,omitempty"`
	EnvelopeTo   []string        `json:"envelopeTo,omitempty"`
	From         string          `json:"from,omitempty"`
	To           []string        `json:"to,omitempty"`
	Cc           []string        `json:"cc,omitempty"`
	Subject      string          `json:"subject,omitempty"`
	ReceivedAt   time.Time       `json:"receivedAt,omitempty"`
	Client       mail.ClientInfo `json:"client"`
}

// MetadataFor builds the sidecar metadata of a parsed message.
func MetadataFor(msg *mail.Message) Metadata {
	return Metadata{
		EnvelopeFrom: msg.EnvelopeFrom,
		From:         msg.From,
		To:           msg.To,
		Cc:           msg.Cc,
		Subject:      msg.Subject,
		ReceivedAt:   msg.ReceivedAt,
		Client:       msg.Client,
	}
}

// Entry is the sidecar of one archived message.
type Entry struct {
	EmailID  string    `json:"emailId"`
	Filename string    `json:"filename"`
	FilePath string    `json:"filePath"`
	SavedAt  time.Time `json:"savedAt"`
	Size     int64     `json:"size"`
	Metadata
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Sender    string
	Recipient string
	Since     time.Time
	Until     time.Time
}

func (f Filter) match(e Entry) bool {
	if f.Sender != "" {
		sender := strings.ToLower(f.Sender)
		if strings.ToLower(e.EnvelopeFrom) != sender && strings.ToLower(e.From) != sender {
			return false
		}
	}
	if f.Recipient != "" {
		rcpt := strings.ToLower(f.Recipient)
		if !containsFold(e.To, rcpt) && !containsFold(e.Cc, rcpt) && !containsFold(e.EnvelopeTo, rcpt) {
			return false
		}
	}
	if !f.Since.IsZero() && e.SavedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.SavedAt.After(f.Until) {
		return false
	}
	return true
}

func containsFold(list []string, addr string) bool {
	for _, a := range list {
		if strings.ToLower(a) == addr {
			return true
		}
	}
	return false
}

// Page selects a window of a listing. A zero Limit returns everything after
// Offset.
type Page struct {
	Offset int
	Limit  int
}

// Stats summarizes the archive.
type Stats struct {
	Count       int    `json:"count"`
	TotalSize   int64  `json:"totalSize"`
	Capacity    int64  `json:"capacity"`
	OldestEntry *Entry `json:"oldestEntry,omitempty"`
	NewestEntry *Entry `json:"newestEntry,omitempty"`
}

// Store is a directory-backed archive. It is safe for concurrent use.
type Store struct {
	dir      string
	capacity int64
	now      func() time.Time
	logger   *zap.Logger

	mu sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = mplog.OrNop(logger).Named("archive") }
}

// New opens the archive in dir, creating it if needed. capacity is the size
// budget in bytes used by Reclaim; zero disables reclamation.
func New(dir string, capacity int64, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	s := &Store{
		dir:      dir,
		capacity: capacity,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the archive directory.
func (s *Store) Dir() string { return s.dir }

// Save writes raw and its sidecar. Saving an id that already exists replaces
// the previous entry.
func (s *Store) Save(id string, raw []byte, meta Metadata) (Entry, error) {
	if !validID.MatchString(id) {
		return Entry{}, fmt.Errorf("invalid archive id %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, err := s.findStem(id); err == nil {
		s.removeStem(old)
	}

	savedAt := s.now().UTC()
	stem := savedAt.Format(stampLayout) + "_" + id
	entry := Entry{
		EmailID:  id,
		Filename: stem + rawExt,
		FilePath: filepath.Join(s.dir, stem+rawExt),
		SavedAt:  savedAt,
		Size:     int64(len(raw)),
		Metadata: meta,
	}

	if err := writeFileAtomic(entry.FilePath, raw); err != nil {
		return Entry{}, fmt.Errorf("failed to write message %s: %w", id, err)
	}
	sidecar, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode sidecar for %s: %w", id, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, stem+sidecarExt), sidecar); err != nil {
		_ = os.Remove(entry.FilePath)
		return Entry{}, fmt.Errorf("failed to write sidecar for %s: %w", id, err)
	}

	s.logger.Debug("message archived", zap.String("id", id), zap.Int64("size", entry.Size))
	return entry, nil
}

// Get returns the raw message stored for id.
func (s *Store) Get(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stem, err := s.findStem(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, stem+rawExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return raw, err
}

// Metadata returns the sidecar for id.
func (s *Store) Metadata(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stem, err := s.findStem(id)
	if err != nil {
		return Entry{}, err
	}
	return s.load(stem)
}

// Delete removes the entry for id. It reports whether anything was removed
// and succeeds when the entry is already gone.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stem, err := s.findStem(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.removeStem(stem); err != nil {
		return false, err
	}
	s.logger.Debug("archive entry deleted", zap.String("id", id))
	return true, nil
}

// List returns the entries matching filter, newest first.
func (s *Store) List(filter Filter, page Page) ([]Entry, error) {
	s.mu.RLock()
	entries, err := s.scan()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	matched := entries[:0]
	for _, e := range entries {
		if filter.match(e) {
			matched = append(matched, e)
		}
	}
	sortNewestFirst(matched)

	if page.Offset < 0 {
		page.Offset = 0
	}
	if page.Offset >= len(matched) {
		return []Entry{}, nil
	}
	matched = matched[page.Offset:]
	if page.Limit > 0 && page.Limit < len(matched) {
		matched = matched[:page.Limit]
	}
	return matched, nil
}

// Stats returns the entry count, total raw size and the oldest and newest
// entries.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	entries, err := s.scan()
	s.mu.RUnlock()
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Count: len(entries), Capacity: s.capacity}
	if len(entries) == 0 {
		return st, nil
	}
	sortNewestFirst(entries)
	for _, e := range entries {
		st.TotalSize += e.Size
	}
	newest, oldest := entries[0], entries[len(entries)-1]
	st.NewestEntry = &newest
	st.OldestEntry = &oldest
	return st, nil
}

// findStem returns the file stem of id. Callers hold s.mu.
func (s *Store) findStem(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	stems, err := s.stemsFor(id, rawExt)
	if err != nil {
		return "", err
	}
	if len(stems) == 0 {
		// A sidecar without its raw file still counts so Delete can clean it.
		if stems, err = s.stemsFor(id, sidecarExt); err != nil {
			return "", err
		}
	}
	if len(stems) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sort.Strings(stems)
	return stems[len(stems)-1], nil
}

// stemsFor lists the stems with extension ext whose id is exactly id. The
// glob matches by suffix, so "a_b" would otherwise answer for "b".
func (s *Store) stemsFor(id, ext string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*_"+id+ext))
	if err != nil {
		return nil, err
	}
	var stems []string
	for _, m := range matches {
		stem := strings.TrimSuffix(filepath.Base(m), ext)
		if _, got := parseStem(stem); got == id {
			stems = append(stems, stem)
		}
	}
	return stems, nil
}

// removeStem deletes both files of stem. A missing file is not an error.
func (s *Store) removeStem(stem string) error {
	var errs []error
	for _, ext := range []string{rawExt, sidecarExt} {
		if err := os.Remove(filepath.Join(s.dir, stem+ext)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// load reads the sidecar of stem, falling back to what the raw file alone
// tells when the sidecar is missing or unreadable.
func (s *Store) load(stem string) (Entry, error) {
	rawPath := filepath.Join(s.dir, stem+rawExt)
	data, err := os.ReadFile(filepath.Join(s.dir, stem+sidecarExt))
	if err == nil {
		var e Entry
		if jsonErr := json.Unmarshal(data, &e); jsonErr == nil {
			return e, nil
		}
		s.logger.Warn("unreadable sidecar, using file attributes", zap.String("stem", stem))
	}

	info, statErr := os.Stat(rawPath)
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, stem)
		}
		return Entry{}, statErr
	}
	savedAt, id := parseStem(stem)
	if savedAt.IsZero() {
		savedAt = info.ModTime().UTC()
	}
	return Entry{
		EmailID:  id,
		Filename: stem + rawExt,
		FilePath: rawPath,
		SavedAt:  savedAt,
		Size:     info.Size(),
	}, nil
}

// scan loads every entry that has a raw file. Callers hold s.mu.
func (s *Store) scan() ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}
	var entries []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), rawExt) {
			continue
		}
		e, err := s.load(strings.TrimSuffix(f.Name(), rawExt))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseStem(stem string) (time.Time, string) {
	stamp, id, ok := strings.Cut(stem, "_")
	if !ok {
		return time.Time{}, stem
	}
	t, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return time.Time{}, id
	}
	return t, id
}

func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].SavedAt.Equal(entries[j].SavedAt) {
			return entries[i].SavedAt.After(entries[j].SavedAt)
		}
		return entries[i].Filename > entries[j].Filename
	})
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
