// Package lock provides the tick lock that keeps dispatch and tracker runs from overlapping.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing or extending a lease that is no longer owned.
var ErrNotHeld = errors.New("lock: not held")

// Locker hands out exclusive, expiring leases by key.
type Locker interface {
	// TryLock returns ok=false without error when someone else holds key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// Lease is one held lock.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker uses SET NX PX with a random owner token.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker builds a locker; keys are stored as "<prefix>:<key>".
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "lock"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	full := l.prefix + ":" + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: l.client, key: full, token: token}, true, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", r.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.client, []string{r.key}, r.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock: extend %s: %w", r.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), clock: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: token}, true, nil
}

type localLease struct {
	owner *LocalLocker
	key   string
	token string
}

func (r *localLease) Key() string { return r.key }

func (r *localLease) Release(context.Context) error {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	if e, ok := r.owner.held[r.key]; !ok || e.token != r.token {
		return ErrNotHeld
	}
	delete(r.owner.held, r.key)
	return nil
}

func (r *localLease) Extend(_ context.Context, ttl time.Duration) error {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	e, ok := r.owner.held[r.key]
	if !ok || e.token != r.token {
		return ErrNotHeld
	}
	e.expires = r.owner.clock().Add(ttl)
	r.owner.held[r.key] = e
	return nil
}
