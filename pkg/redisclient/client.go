package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a wrapper around redis.Client used for the shared admission
// counters.
type Client struct {
	*redis.Client
}

// Options configures Connect.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a new client from raw go-redis options.
func NewClient(options *redis.Options) *Client {
	return &Client{
		Client: redis.NewClient(options),
	}
}

// Connect creates a client for opts and checks that the server answers.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	c := NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return c, nil
}

// ScanKeys returns every key matching pattern. It walks the keyspace with
// SCAN instead of issuing a blocking KEYS.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		all    []string
	)
	for {
		keys, next, err := c.Client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %q: %w", pattern, err)
		}
		all = append(all, keys...)
		cursor = next
		if cursor == 0 {
			return all, nil
		}
	}
}
