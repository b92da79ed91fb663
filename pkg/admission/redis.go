package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// hitScript trims the sorted-set window, then adds the event only if the
// window is below the limit. Scores are unix milliseconds; ARGV[5] is the
// cutoff, inclusive.
var hitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[5])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
  return {0, count}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, count + 1}
`)

var acquireScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return {0, n - 1}
end
return {1, n}
`)

var releaseScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
return n
`)

// RedisTable is a Table shared by every instance using the same Redis.
type RedisTable struct {
	client redis.Scripter
	prefix string
}

// NewRedisTable creates a RedisTable. Keys are stored under prefix.
func NewRedisTable(client redis.Scripter, prefix string) *RedisTable {
	if prefix == "" {
		prefix = "mailpay:admission:"
	}
	return &RedisTable{client: client, prefix: prefix}
}

func (t *RedisTable) windowKey(key string) string { return t.prefix + "window:" + key }
func (t *RedisTable) connKey(key string) string   { return t.prefix + "conn:" + key }

// Hit implements Table.
func (t *RedisTable) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error) {
	res, err := hitScript.Run(ctx, t.client, []string{t.windowKey(key)},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(), now.Add(-window).UnixMilli()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis window hit: %w", err)
	}
	return decodePair(res)
}

// Acquire implements Table.
func (t *RedisTable) Acquire(ctx context.Context, key string, limit int) (bool, int, error) {
	res, err := acquireScript.Run(ctx, t.client, []string{t.connKey(key)}, limit).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis connection acquire: %w", err)
	}
	return decodePair(res)
}

// Release implements Table.
func (t *RedisTable) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, t.client, []string{t.connKey(key)}).Err(); err != nil {
		return fmt.Errorf("redis connection release: %w", err)
	}
	return nil
}

// Reset implements Table.
func (t *RedisTable) Reset(ctx context.Context, key string) error {
	deleter, ok := t.client.(interface {
		Del(ctx context.Context, keys ...string) *redis.IntCmd
	})
	if !ok {
		return errors.New("redis client does not support DEL")
	}
	if err := deleter.Del(ctx, t.windowKey(key), t.connKey(key)).Err(); err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	return nil
}

// KeyScanner lists keys matching a glob pattern.
type KeyScanner interface {
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// Origins returns every origin that currently has a rate window or an open
// connection counter, sorted.
func (t *RedisTable) Origins(ctx context.Context, scanner KeyScanner) ([]string, error) {
	keys, err := scanner.ScanKeys(ctx, t.prefix+"*")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var origins []string
	for _, k := range keys {
		k = strings.TrimPrefix(k, t.prefix)
		origin := strings.TrimPrefix(strings.TrimPrefix(k, "window:"), "conn:")
		if origin == k || seen[origin] {
			continue
		}
		seen[origin] = true
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins, nil
}

func decodePair(res []interface{}) (bool, int, error) {
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	allowed, ok1 := res[0].(int64)
	count, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("unexpected script reply %v", res)
	}
	return allowed == 1, int(count), nil
}
