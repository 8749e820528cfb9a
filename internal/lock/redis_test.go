package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeRedis emulates the subset of Redis semantics the lease backend relies
// on: SET NX PX, EXISTS with passive expiry, and the compare-and-delete Lua
// script.
type fakeRedis struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	now     func() time.Time
}

type fakeEntry struct {
	value    string
	expireAt time.Time
}

func newFakeRedis(now func() time.Time) *fakeRedis {
	return &fakeRedis{entries: make(map[string]fakeEntry), now: now}
}

func (f *fakeRedis) expired(e fakeEntry) bool {
	return !e.expireAt.IsZero() && f.now().After(e.expireAt)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[key]; ok && !f.expired(e) {
		return redis.NewBoolResult(false, nil)
	}
	f.entries[key] = fakeEntry{
		value:    value.(string),
		expireAt: f.now().Add(expiration),
	}
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for _, key := range keys {
		if e, ok := f.entries[key]; ok {
			if f.expired(e) {
				delete(f.entries, key)
				continue
			}
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	// The only script the backend evaluates is compare-and-delete.
	key := keys[0]
	holder := args[0].(string)
	if e, ok := f.entries[key]; ok && !f.expired(e) && e.value == holder {
		delete(f.entries, key)
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("acquire is create-if-absent", func(t *testing.T) {
		b := newRedisBackendWithClient(newFakeRedis(time.Now))

		ok, err := b.Acquire(ctx, "github.com/org/repo", "T-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.Acquire(ctx, "github.com/org/repo", "T-2", time.Minute)
		require.NoError(t, err)
		require.False(t, ok)

		locked, err := b.IsLocked(ctx, "github.com/org/repo")
		require.NoError(t, err)
		require.True(t, locked)
	})

	t.Run("release only for the holder", func(t *testing.T) {
		b := newRedisBackendWithClient(newFakeRedis(time.Now))

		ok, err := b.Acquire(ctx, "k", "T-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, b.Release(ctx, "k", "T-intruder"))
		locked, err := b.IsLocked(ctx, "k")
		require.NoError(t, err)
		require.True(t, locked, "non-holder release must not delete the lease")

		require.NoError(t, b.Release(ctx, "k", "T-1"))
		locked, err = b.IsLocked(ctx, "k")
		require.NoError(t, err)
		require.False(t, locked)
	})

	t.Run("ttl expiry frees the lease", func(t *testing.T) {
		clock := newFakeClock()
		b := newRedisBackendWithClient(newFakeRedis(clock.Now))

		ok, err := b.Acquire(ctx, "k", "T-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(2 * time.Minute)

		locked, err := b.IsLocked(ctx, "k")
		require.NoError(t, err)
		require.False(t, locked)

		ok, err = b.Acquire(ctx, "k", "T-2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("keys are prefixed", func(t *testing.T) {
		fake := newFakeRedis(time.Now)
		b := newRedisBackendWithClient(fake)

		ok, err := b.Acquire(ctx, "github.com/org/repo", "T-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		fake.mu.Lock()
		defer fake.mu.Unlock()
		_, found := fake.entries[lockKeyPrefix+"github.com/org/repo"]
		require.True(t, found)
	})
}
