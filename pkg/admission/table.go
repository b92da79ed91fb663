package admission

import (
	"context"
	"sync"
	"time"
)

// Table is a keyed counter table shared by every session. Each method is a
// single atomic step for its key.
type Table interface {
	// Hit records an event for key at now unless limit events already fall in
	// the window (now-window, now]. Rejected events are not recorded.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (allowed bool, count int, err error)
	// Acquire increments the counter for key unless it is already at limit.
	Acquire(ctx context.Context, key string, limit int) (allowed bool, count int, err error)
	// Release decrements the counter for key, never below zero.
	Release(ctx context.Context, key string) error
	// Reset forgets both the window and the counter for key.
	Reset(ctx context.Context, key string) error
}

// MemoryTable is a Table for a single process.
type MemoryTable struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	counts  map[string]int
}

// NewMemoryTable creates an empty MemoryTable.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		windows: make(map[string][]time.Time),
		counts:  make(map[string]int),
	}
}

// Hit implements Table.
func (t *MemoryTable) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-window)
	events := t.windows[key]
	kept := events[:0]
	for _, at := range events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= limit {
		t.windows[key] = kept
		return false, len(kept), nil
	}
	kept = append(kept, now)
	t.windows[key] = kept
	return true, len(kept), nil
}

// Acquire implements Table.
func (t *MemoryTable) Acquire(_ context.Context, key string, limit int) (bool, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.counts[key]
	if n >= limit {
		return false, n, nil
	}
	t.counts[key] = n + 1
	return true, n + 1, nil
}

// Release implements Table.
func (t *MemoryTable) Release(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := t.counts[key]; n > 1 {
		t.counts[key] = n - 1
	} else {
		delete(t.counts, key)
	}
	return nil
}

// Reset implements Table.
func (t *MemoryTable) Reset(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.windows, key)
	delete(t.counts, key)
	return nil
}

// Connections returns the current counter for key.
func (t *MemoryTable) Connections(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key]
}
