// Package concurrency keeps cross-process slot counters in Redis.
package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Limiter caps the number of holders per key. The TTL bounds leaked slots from crashed holders.
type Limiter struct {
	client       redis.UniversalClient
	prefix       string
	defaultLimit int
	ttl          time.Duration
}

// NewLimiter constructs a limiter; limit <= 0 on both Acquire and the default means unlimited.
func NewLimiter(client redis.UniversalClient, prefix string, defaultLimit int, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "checkin:slots"
	}
	return &Limiter{client: client, prefix: prefix, defaultLimit: defaultLimit, ttl: ttl}
}

// Acquire attempts to reserve a slot under key.
func (l *Limiter) Acquire(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		limit = l.defaultLimit
	}
	if limit <= 0 || key == "" {
		return true, nil
	}

	res, err := acquireScript.Run(ctx, l.client, []string{l.key(key)}, limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(key)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

// InUse returns the current holder count for key.
func (l *Limiter) InUse(ctx context.Context, key string) (int, error) {
	n, err := l.client.Get(ctx, l.key(key)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("concurrency in use: %w", err)
	}
	return n, nil
}

func (l *Limiter) key(key string) string {
	return l.prefix + ":" + key
}
