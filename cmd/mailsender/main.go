// Command mailsender submits a message to a mailpay SMTP gateway. It sends an
// .eml file as is, or composes a plain text message from -subject and -body.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/freeflowuniverse/mailpay/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	host := flag.String("host", "localhost", "SMTP server host")
	port := flag.Int("port", 2525, "SMTP server port")
	helo := flag.String("helo", "localhost", "name announced in EHLO")
	from := flag.String("from", "sender@example.com", "Sender email address")
	to := flag.String("to", "pay@mailpay.io", "Recipient email address (comma-separated for multiple)")
	emailFile := flag.String("file", "", "Path to email file (.eml)")
	subject := flag.String("subject", "", "Subject of a composed message")
	body := flag.String("body", "", "Body of a composed message, e.g. \"send 5 DOT to bob@example.com\"")
	flag.Parse()

	log, err := logger.New("info", logger.FormatConsole)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	recipients := splitRecipients(*to)
	var data []byte
	switch {
	case *emailFile != "":
		data, err = os.ReadFile(*emailFile)
		if err != nil {
			log.Fatal("failed to read email file", zap.String("file", *emailFile), zap.Error(err))
		}
	case *body != "":
		data, err = compose(*from, recipients, *subject, *body, time.Now())
		if err != nil {
			log.Fatal("failed to compose message", zap.Error(err))
		}
	default:
		log.Fatal("either -file or -body is required")
	}

	addr := net.JoinHostPort(*host, fmt.Sprintf("%d", *port))
	log.Info("connecting to SMTP server", zap.String("addr", addr))
	if err := send(addr, *helo, *from, recipients, data); err != nil {
		log.Fatal("failed to send email", zap.Error(err))
	}
	log.Info("email sent", zap.String("from", *from), zap.Strings("to", recipients))
}

func splitRecipients(list string) []string {
	var out []string
	for _, r := range strings.Split(list, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// send delivers data in one SMTP transaction.
func send(addr, helo, from string, to []string, data []byte) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer c.Close()

	if err := c.Hello(helo); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return c.Quit()
}

// compose builds a single part text/plain message.
func compose(from string, to []string, subject, body string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	rcpts := make([]*mail.Address, 0, len(to))
	for _, r := range to {
		rcpts = append(rcpts, &mail.Address{Address: r})
	}
	h.SetAddressList("To", rcpts)
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body+"\r\n"); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
