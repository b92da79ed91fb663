package smtpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/freeflowuniverse/mailpay/pkg/admission"
	mplog "github.com/freeflowuniverse/mailpay/pkg/logger"
	"github.com/freeflowuniverse/mailpay/pkg/mail"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler runs the pipeline for one fully received message. A returned error
// is reported to the client as a temporary failure.
type Handler interface {
	Handle(ctx context.Context, raw []byte, env mail.Envelope) error
}

// Config holds the configuration for the SMTP server
type Config struct {
	Host              string
	Port              int
	Domain            string
	AllowInsecureAuth bool
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int
	MaxRecipients     int
}

// DefaultConfig returns the default configuration for the SMTP server
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              2525,
		Domain:            "localhost",
		AllowInsecureAuth: true,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageBytes:   10 * 1024 * 1024, // 10 MB
		MaxRecipients:     50,
	}
}

// Server represents the SMTP server
type Server struct {
	config     Config
	smtpServer *smtp.Server
	logger     *zap.Logger
}

// Backend implements the SMTP server backend
type Backend struct {
	handler   Handler
	admission *admission.Controller
	logger    *zap.Logger
	now       func() time.Time
}

// Session represents an SMTP session
type Session struct {
	id      string
	conn    *smtp.Conn
	backend *Backend
	lease   *admission.Lease
	from    string
	to      []string
	logger  *zap.Logger
}

// NewServer creates a new SMTP server
func NewServer(config Config, handler Handler, ctrl *admission.Controller, logger *zap.Logger) *Server {
	logger = mplog.OrNop(logger)
	logger = logger.Named("smtp")

	be := &Backend{
		handler:   handler,
		admission: ctrl,
		logger:    logger,
		now:       time.Now,
	}

	smtpServer := smtp.NewServer(be)
	smtpServer.Addr = net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port))
	smtpServer.Domain = config.Domain
	smtpServer.ReadTimeout = config.ReadTimeout
	smtpServer.WriteTimeout = config.WriteTimeout
	smtpServer.MaxMessageBytes = int64(config.MaxMessageBytes)
	smtpServer.MaxRecipients = config.MaxRecipients
	smtpServer.AllowInsecureAuth = config.AllowInsecureAuth

	return &Server{
		config:     config,
		smtpServer: smtpServer,
		logger:     logger,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.smtpServer.Addr }

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting SMTP server", zap.String("addr", s.smtpServer.Addr), zap.String("domain", s.smtpServer.Domain))
	err := s.smtpServer.ListenAndServe()
	if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		s.logger.Error("SMTP server failed", zap.Error(err))
		return err
	}
	return nil
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	err := s.smtpServer.Serve(l)
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the SMTP server
func (s *Server) Stop() error {
	s.logger.Info("stopping SMTP server", zap.String("addr", s.smtpServer.Addr))
	return s.smtpServer.Close()
}

// NewSession admits or rejects a new session from the connecting origin.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := c.Conn().RemoteAddr().String()
	logger := b.logger.With(zap.String("remote", remote))

	var lease *admission.Lease
	if b.admission != nil {
		var err error
		lease, err = b.admission.Admit(context.Background(), remote)
		switch {
		case errors.Is(err, admission.ErrTooManyConnections):
			return nil, &smtp.SMTPError{
				Code:         421,
				EnhancedCode: smtp.EnhancedCode{4, 7, 0},
				Message:      "Too many connections, try again later",
			}
		case errors.Is(err, admission.ErrRateLimited):
			return nil, &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 7, 1},
				Message:      "Rate limit exceeded, try again later",
			}
		case err != nil:
			return nil, err
		}
	}

	id := uuid.NewString()
	logger.Debug("new SMTP session", zap.String("session", id))
	return &Session{
		id:      id,
		conn:    c,
		backend: b,
		lease:   lease,
		logger:  logger.With(zap.String("session", id)),
	}, nil
}

// Mail handles the MAIL FROM command. Malformed addresses get a temporary
// failure, like every other rejection of the gateway.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if !mail.ValidAddress(from) {
		s.logger.Info("rejected sender address", zap.String("from", from))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 1, 7},
			Message:      "Bad sender address syntax",
		}
	}
	s.from = from
	return nil
}

// Rcpt handles the RCPT TO command
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if !mail.ValidAddress(to) {
		s.logger.Info("rejected recipient address", zap.String("to", to))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 1, 3},
			Message:      "Bad recipient address syntax",
		}
	}
	s.to = append(s.to, to)
	return nil
}

// Data reads the message and runs the pipeline before acknowledging it.
func (s *Session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		s.logger.Warn("failed to read message data", zap.Error(err))
		return err
	}
	s.logger.Debug("message received", zap.String("from", s.from), zap.Strings("to", s.to), zap.Int("bytes", len(data)))

	env := mail.Envelope{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Client: mail.ClientInfo{
			RemoteAddr: s.conn.Conn().RemoteAddr().String(),
			Hostname:   s.conn.Hostname(),
		},
		ReceivedAt: s.backend.now(),
	}

	if err := s.backend.handler.Handle(context.Background(), data, env); err != nil {
		s.logger.Error("pipeline failed", zap.Error(err))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary processing failure, try again later",
		}
	}
	return nil
}

// Reset resets the session
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout releases the connection slot held by the session.
func (s *Session) Logout() error {
	s.lease.Release(context.Background())
	s.logger.Debug("SMTP session closed")
	return nil
}
