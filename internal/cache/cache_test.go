package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerializesPerKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "promote:e1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLocalLocker_ContextCancelAndDistinctKeys(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	other, err := l.Lock(context.Background(), "b")
	require.NoError(t, err, "different keys do not contend")
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	again, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	again()
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "admission", normalizePrefix(""))
	assert.Equal(t, "tickets", normalizePrefix(" tickets: "))
}

// redisClient connects to TEST_REDIS_URL or skips.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	raw := os.Getenv("TEST_REDIS_URL")
	if raw == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(raw)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestIdempotencyCache_FirstWriterWins(t *testing.T) {
	client := redisClient(t)
	c := NewIdempotencyCache(client, "test-"+uuid.NewString())
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "u", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "u", "k", "b-1", time.Minute))
	require.NoError(t, c.Set(ctx, "u", "k", "b-2", time.Minute))
	id, ok, err := c.Get(ctx, "u", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b-1", id)
}

func TestRedisLocker_TimesOutWhileHeld(t *testing.T) {
	client := redisClient(t)
	l := NewLocker(client, "test-"+uuid.NewString(), time.Second, 100*time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "promote:e1")
	require.NoError(t, err)

	_, err = l.Lock(ctx, "promote:e1")
	assert.True(t, errors.Is(err, ErrLockTimeout))

	unlock()
	again, err := l.Lock(ctx, "promote:e1")
	require.NoError(t, err)
	again()
}
