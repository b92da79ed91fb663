// Package admission decides whether a new inbound session from an origin may
// proceed. It enforces a sliding window of sessions per origin and a cap on
// concurrent connections per origin.
package admission

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mplog "github.com/freeflowuniverse/mailpay/pkg/logger"
	"go.uber.org/zap"
)

var (
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrTooManyConnections = errors.New("too many concurrent connections")
)

// Config holds the admission thresholds.
type Config struct {
	// Window is the length of the sliding window.
	Window time.Duration
	// MaxMessages is the number of sessions allowed per origin per Window.
	MaxMessages int
	// MaxConnections is the number of concurrent sessions allowed per origin.
	MaxConnections int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Window:         time.Minute,
		MaxMessages:    10,
		MaxConnections: 5,
	}
}

// Controller applies Config on top of a Table.
type Controller struct {
	table  Table
	config Config
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = mplog.OrNop(logger).Named("admission") }
}

// New creates a Controller.
func New(table Table, cfg Config, opts ...Option) *Controller {
	defaults := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = defaults.MaxMessages
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaults.MaxConnections
	}
	c := &Controller{
		table:  table,
		config: cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the thresholds in effect.
func (c *Controller) Config() Config { return c.config }

// Lease is an admitted session. Release must be called when the session
// ends; extra calls are no-ops.
type Lease struct {
	origin   string
	table    Table
	acquired bool
	once     sync.Once
	logger   *zap.Logger
}

// Origin returns the origin key the lease was granted to.
func (l *Lease) Origin() string { return l.origin }

// Release frees the connection slot held by the lease.
func (l *Lease) Release(ctx context.Context) {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if !l.acquired {
			return
		}
		if err := l.table.Release(ctx, l.origin); err != nil {
			l.logger.Warn("failed to release connection slot", zap.String("origin", l.origin), zap.Error(err))
		}
	})
}

// Admit takes a connection slot and records a session in the window for
// origin. It returns ErrTooManyConnections or ErrRateLimited when a threshold
// is hit; in that case nothing is held. Counter backend failures admit the
// session and are logged.
func (c *Controller) Admit(ctx context.Context, origin string) (*Lease, error) {
	origin = OriginKey(origin)
	lease := &Lease{origin: origin, table: c.table, logger: c.logger}

	ok, n, err := c.table.Acquire(ctx, origin, c.config.MaxConnections)
	switch {
	case err != nil:
		c.logger.Warn("connection counter unavailable, admitting", zap.String("origin", origin), zap.Error(err))
	case !ok:
		c.logger.Info("connection rejected",
			zap.String("origin", origin),
			zap.Int("connections", n),
			zap.Int("limit", c.config.MaxConnections))
		return nil, fmt.Errorf("%w: %s has %d open", ErrTooManyConnections, origin, n)
	default:
		lease.acquired = true
	}

	ok, n, err = c.table.Hit(ctx, origin, c.now(), c.config.Window, c.config.MaxMessages)
	switch {
	case err != nil:
		c.logger.Warn("rate window unavailable, admitting", zap.String("origin", origin), zap.Error(err))
	case !ok:
		lease.Release(ctx)
		c.logger.Info("session rate limited",
			zap.String("origin", origin),
			zap.Int("count", n),
			zap.Int("limit", c.config.MaxMessages),
			zap.Duration("window", c.config.Window))
		return nil, fmt.Errorf("%w: %s sent %d in %s", ErrRateLimited, origin, n, c.config.Window)
	}
	return lease, nil
}

// Reset clears all counters for origin.
func (c *Controller) Reset(ctx context.Context, origin string) error {
	return c.table.Reset(ctx, OriginKey(origin))
}

// OriginKey reduces a remote address to the host part used as counter key.
func OriginKey(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(strings.Trim(addr, "[]"))
}
