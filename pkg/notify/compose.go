package notify

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Notice is one outbound notification before encoding.
type Notice struct {
	To        string
	Subject   string
	Markdown  string
	InReplyTo string
}

// Composer encodes notices as multipart/alternative messages with a plain
// text part and an HTML rendering of the same markdown.
type Composer struct {
	from        string
	replyTo     string
	explorerURL string
	markdown    goldmark.Markdown
	now         func() time.Time
}

// NewComposer creates a Composer.
func NewComposer(cfg Config) *Composer {
	return &Composer{
		from:        cfg.From,
		replyTo:     cfg.ReplyTo,
		explorerURL: strings.TrimRight(cfg.ExplorerURL, "/"),
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		now: time.Now,
	}
}

// ExplorerLink returns the block explorer URL of ref, or "" when either the
// reference or the explorer is not configured.
func (c *Composer) ExplorerLink(ref string) string {
	if ref == "" || c.explorerURL == "" {
		return ""
	}
	return c.explorerURL + "/tx/" + ref
}

// Encode renders n into a complete RFC 5322 message.
func (c *Composer) Encode(n Notice) ([]byte, error) {
	var h gomail.Header
	h.SetDate(c.now())
	h.SetAddressList("From", []*gomail.Address{{Address: c.from}})
	h.SetAddressList("To", []*gomail.Address{{Address: n.To}})
	if c.replyTo != "" {
		h.SetAddressList("Reply-To", []*gomail.Address{{Address: c.replyTo}})
	}
	h.SetSubject(n.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	if n.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{n.InReplyTo})
		h.SetMsgIDList("References", []string{n.InReplyTo})
	}

	var rendered bytes.Buffer
	if err := c.markdown.Convert([]byte(n.Markdown), &rendered); err != nil {
		return nil, fmt.Errorf("failed to render notification body: %w", err)
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline writer: %w", err)
	}
	if err := writePart(tw, "text/plain", n.Markdown); err != nil {
		return nil, err
	}
	if err := writePart(tw, "text/html", rendered.String()); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(tw *gomail.InlineWriter, contentType, body string) error {
	var ph gomail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}
