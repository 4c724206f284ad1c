// Package cache provides the fast key/value layer in front of the relational
// store: an idempotency lookup cache and per-key promotion locks.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// wait deadline.
var ErrLockTimeout = errors.New("lock wait timed out")

// unlockScript deletes the lock only if it still carries our token, so an
// expired holder never frees a lock another worker has since taken.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func normalizePrefix(prefix string) string {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "admission"
	}
	return p
}

// IdempotencyCache mirrors bound idempotency records so replays are answered
// without a database round trip. The database stays authoritative.
type IdempotencyCache struct {
	client redis.UniversalClient
	prefix string
}

// NewIdempotencyCache constructs an IdempotencyCache.
func NewIdempotencyCache(client redis.UniversalClient, prefix string) *IdempotencyCache {
	return &IdempotencyCache{client: client, prefix: normalizePrefix(prefix)}
}

func (c *IdempotencyCache) key(userID, key string) string {
	return fmt.Sprintf("%s:idem:%s:%s", c.prefix, userID, key)
}

// Get returns the cached booking id for (user, key).
func (c *IdempotencyCache) Get(ctx context.Context, userID, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.key(userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores the mapping for ttl. An existing mapping is never overwritten.
func (c *IdempotencyCache) Set(ctx context.Context, userID, key, bookingID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.SetNX(ctx, c.key(userID, key), bookingID, ttl).Err()
}

// Locker is a distributed mutex per key built on SET NX PX.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// NewLocker constructs a Locker. ttl bounds how long a crashed holder can
// block others; wait bounds how long Lock polls before giving up.
func NewLocker(client redis.UniversalClient, prefix string, ttl, wait time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = ttl
	}
	return &Locker{client: client, prefix: normalizePrefix(prefix), ttl: ttl, wait: wait, poll: 25 * time.Millisecond}
}

// Lock acquires the key, polling until wait elapses or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	full := fmt.Sprintf("%s:lock:%s", l.prefix, key)
	token := uuid.New().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return func() {
				_ = unlockScript.Run(context.Background(), l.client, []string{full}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
