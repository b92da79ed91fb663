package notify

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Sender delivers one encoded message.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPSender submits messages to a relay, authenticating with SASL PLAIN
// when a username is set.
type SMTPSender struct {
	addr     string
	username string
	password string
}

// NewSMTPSender creates an SMTPSender for the relay at addr.
func NewSMTPSender(addr, username, password string) *SMTPSender {
	return &SMTPSender{addr: addr, username: username, password: password}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth sasl.Client
	if s.username != "" {
		auth = sasl.NewPlainClient("", s.username, s.password)
	}
	if err := smtp.SendMail(s.addr, auth, from, to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("smtp delivery via %s: %w", s.addr, err)
	}
	return nil
}
