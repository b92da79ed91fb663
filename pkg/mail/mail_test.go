package mail

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddresses(t *testing.T) {
	tests := []struct {
		name string
		src  AddressSource
		want []string
	}{
		{"single with name", Single("Alice <Alice@Example.COM>"), []string{"alice@example.com"}},
		{"single bare", Single("bob@example.com"), []string{"bob@example.com"}},
		{"many keeps order", Many{"Zed@example.com", "amy@example.com", "zed@example.com"}, []string{"zed@example.com", "amy@example.com"}},
		{"raw header", Raw(`"Pay Desk" <PAY@mailpay.io>, carol@example.com`), []string{"pay@mailpay.io", "carol@example.com"}},
		{"drops garbage", Many{"", "not-an-address", "dan@example.com"}, []string{"dan@example.com"}},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAddresses(tt.src))
		})
	}
}

func TestValidAddress(t *testing.T) {
	valid := []string{"bob@example.com", "first.last+tag@sub.example.org", "user@xn--bcher-kva.de"}
	for _, addr := range valid {
		assert.True(t, ValidAddress(addr), addr)
	}

	invalid := []string{"", "bob", "bob@", "@example.com", "bob@localhost", "bob @example.com", "Bob <bob@example.com>", "bob@-bad.com", "bob@example..com"}
	for _, addr := range invalid {
		assert.False(t, ValidAddress(addr), addr)
	}
}

func TestParseMultipart(t *testing.T) {
	raw := strings.Join([]string{
		"From: Alice <Alice@Example.com>",
		"To: pay@mailpay.io, Bob <bob@example.com>",
		"Cc: carol@example.com",
		"Subject: =?UTF-8?Q?Payment_=E2=9C=93?=",
		"Message-ID: <abc123@example.com>",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"send 5 DOT: alpha-one",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>send 5 DOT: alpha-one</p>",
		"--b1--",
		"",
	}, "\r\n")

	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, err := Parse([]byte(raw), Envelope{
		From:       "bounce@example.com",
		To:         []string{"pay@mailpay.io"},
		Client:     ClientInfo{RemoteAddr: "10.0.0.1", Hostname: "mx.example.com"},
		ReceivedAt: received,
	})
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, "alice@example.com", msg.Sender())
	assert.Equal(t, "bounce@example.com", msg.EnvelopeFrom)
	assert.Equal(t, []string{"pay@mailpay.io", "bob@example.com"}, msg.To)
	assert.Equal(t, []string{"carol@example.com"}, msg.Cc)
	assert.Equal(t, "Payment ✓", msg.Subject)
	assert.Equal(t, "abc123@example.com", msg.MessageID)
	assert.Contains(t, msg.TextBody, "send 5 DOT: alpha-one")
	assert.Contains(t, msg.HTMLBody, "<p>")
	assert.Equal(t, received, msg.ReceivedAt)
	assert.Equal(t, "10.0.0.1", msg.Client.RemoteAddr)
	assert.Len(t, msg.ID, 48)
}

func TestParseFallsBackToEnvelope(t *testing.T) {
	raw := "Subject: hello\r\n\r\nwhat is my balance\r\n"
	msg, err := Parse([]byte(raw), Envelope{From: "<Dave@Example.com>", To: []string{"PAY@mailpay.io"}})
	require.NoError(t, err)

	assert.Equal(t, "dave@example.com", msg.Sender())
	assert.Equal(t, []string{"pay@mailpay.io"}, msg.To)
	assert.Equal(t, msg.ID, msg.MessageID)
	assert.False(t, msg.ReceivedAt.IsZero())
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := Parse(nil, Envelope{})
	assert.Error(t, err)
}

func TestSearchTextUsesHTMLWhenNoText(t *testing.T) {
	msg := &Message{Subject: "Hi", HTMLBody: "<div>Send 1 <b>DOT</b></div>"}
	text := msg.SearchText()
	assert.Contains(t, text, "hi")
	assert.Contains(t, text, "send 1")
	assert.NotContains(t, text, "<b>")
}

func TestNewIDDiffersByTime(t *testing.T) {
	raw := []byte("same payload")
	a, err := NewID(raw, time.Unix(1, 0))
	require.NoError(t, err)
	b, err := NewID(raw, time.Unix(2, 0))
	require.NoError(t, err)
	again, err := NewID(raw, time.Unix(1, 0))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
}
