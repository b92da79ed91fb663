package mail

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ClientInfo describes the session a message arrived on.
type ClientInfo struct {
	RemoteAddr string `json:"remote_addr"`
	Hostname   string `json:"hostname"`
}

// Envelope holds the transport-level fields supplied alongside the raw message.
type Envelope struct {
	From       string     `json:"from"`
	To         []string   `json:"to"`
	Client     ClientInfo `json:"client"`
	ReceivedAt time.Time  `json:"received_at"`
}

// Message is an inbound message after MIME decoding. It is built once by Parse
// and must not be modified afterwards.
type Message struct {
	ID           string     `json:"id"`
	Raw          []byte     `json:"-"`
	EnvelopeFrom string     `json:"envelope_from"`
	From         string     `json:"from"`
	To           []string   `json:"to"`
	Cc           []string   `json:"cc"`
	Bcc          []string   `json:"bcc"`
	Subject      string     `json:"subject"`
	TextBody     string     `json:"text_body"`
	HTMLBody     string     `json:"html_body"`
	MessageID    string     `json:"message_id"`
	ReceivedAt   time.Time  `json:"received_at"`
	Client       ClientInfo `json:"client"`
}

// Sender returns the identity the message is attributed to: the From header
// when present, the envelope sender otherwise.
func (m *Message) Sender() string {
	if m.From != "" {
		return m.From
	}
	return m.EnvelopeFrom
}

var htmlTag = regexp.MustCompile(`(?s)<[^>]*>`)

// SearchText returns the lowercased subject and body used for intent matching.
func (m *Message) SearchText() string {
	body := m.TextBody
	if strings.TrimSpace(body) == "" && m.HTMLBody != "" {
		body = htmlTag.ReplaceAllString(m.HTMLBody, " ")
	}
	return strings.ToLower(m.Subject + " " + body)
}

// NewID returns the BLAKE2b-192 hex digest of the raw payload and receipt time.
// The timestamp keeps identical payloads received twice apart.
func NewID(raw []byte, receivedAt time.Time) (string, error) {
	hash, err := blake2b.New(24, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create Blake2b hash: %w", err)
	}
	hash.Write(raw)
	fmt.Fprintf(hash, ":%d", receivedAt.UnixNano())
	return hex.EncodeToString(hash.Sum(nil)), nil
}
