package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Parse decodes raw into a Message. Envelope fields fill in what the headers
// leave out: recipients fall back to the envelope recipients and the sender to
// the envelope sender.
func Parse(raw []byte, env Envelope) (*Message, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty message")
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}

	id, err := NewID(raw, env.ReceivedAt)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:           id,
		Raw:          raw,
		EnvelopeFrom: NormalizeAddress(env.From),
		ReceivedAt:   env.ReceivedAt,
		Client:       env.Client,
	}

	mr, err := gomail.CreateReader(bytes.NewReader(ensureCRLF(raw)))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		parseManually(msg, raw)
	} else {
		if err := readStructured(msg, mr); err != nil {
			return nil, err
		}
	}

	if len(msg.To) == 0 {
		msg.To = NormalizeAddresses(Many(env.To))
	}
	if msg.MessageID == "" {
		msg.MessageID = msg.ID
	}
	return msg, nil
}

func readStructured(msg *Message, mr *gomail.Reader) error {
	defer mr.Close()

	h := mr.Header
	msg.From = firstAddress(h, "From")
	msg.To = headerAddresses(h, "To")
	msg.Cc = headerAddresses(h, "Cc")
	msg.Bcc = headerAddresses(h, "Bcc")
	if subject, err := h.Subject(); err == nil {
		msg.Subject = toUnicode(subject)
	} else {
		msg.Subject = toUnicode(h.Get("Subject"))
	}
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			// Keep whatever was decoded before the broken part.
			if msg.TextBody != "" || msg.HTMLBody != "" {
				return nil
			}
			return fmt.Errorf("error reading message part: %w", err)
		}

		inline, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, err := inline.ContentType()
		if err != nil || mediaType == "" {
			mediaType = "text/plain"
		}
		content, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch mediaType {
		case "text/plain":
			if msg.TextBody == "" {
				msg.TextBody = toUnicode(string(content))
			}
		case "text/html":
			if msg.HTMLBody == "" {
				msg.HTMLBody = toUnicode(string(content))
			}
		}
	}
}

// parseManually handles payloads the MIME reader refuses: headers are split
// off by the first blank line and the rest is taken as plain text.
func parseManually(msg *Message, raw []byte) {
	content := string(raw)
	parts := strings.SplitN(content, "\r\n\r\n", 2)
	if len(parts) < 2 {
		parts = strings.SplitN(content, "\n\n", 2)
		if len(parts) < 2 {
			msg.TextBody = toUnicode(content)
			return
		}
	}

	for _, line := range strings.Split(parts[0], "\n") {
		line = strings.TrimSuffix(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "subject":
			msg.Subject = toUnicode(value)
		case "from":
			if addrs := NormalizeAddresses(Raw(value)); len(addrs) > 0 {
				msg.From = addrs[0]
			}
		case "to":
			msg.To = NormalizeAddresses(Raw(value))
		case "cc":
			msg.Cc = NormalizeAddresses(Raw(value))
		case "bcc":
			msg.Bcc = NormalizeAddresses(Raw(value))
		case "message-id":
			msg.MessageID = strings.Trim(value, "<>")
		}
	}
	msg.TextBody = toUnicode(parts[1])
}

func headerAddresses(h gomail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return NormalizeAddresses(Raw(h.Get(key)))
	}
	out := make(Many, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return NormalizeAddresses(out)
}

func firstAddress(h gomail.Header, key string) string {
	if addrs := headerAddresses(h, key); len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}

// toUnicode replaces invalid UTF-8 sequences so downstream matching never
// sees broken runes.
func toUnicode(s string) string {
	out, _, err := transform.String(unicode.UTF8.NewDecoder(), s)
	if err != nil {
		return s
	}
	return out
}

// ensureCRLF makes sure the payload ends with a line break, which the header
// reader requires when a message has no body.
func ensureCRLF(data []byte) []byte {
	if bytes.HasSuffix(data, []byte("\r\n")) {
		return data
	}
	out := make([]byte, 0, len(data)+2)
	out = append(out, bytes.TrimSuffix(data, []byte("\n"))...)
	return append(out, '\r', '\n')
}
