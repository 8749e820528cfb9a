package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "repoflow:lock:"

// releaseScript deletes the lease only when the caller still holds it.
// "Check holder, then delete" must be indivisible with respect to concurrent
// acquire/release callers, so both steps run inside one Lua invocation.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// redisLocker narrows redis.Client to the commands the lease table needs so
// tests can substitute a fake.
type redisLocker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// redisBackend keeps leases in Redis. TTL expiry is enforced by Redis itself
// (SET PX), so an expired lease is already absent on the next read; Sweep is
// a connectivity probe rather than a scan.
type redisBackend struct {
	client redisLocker
}

// NewRedisBackend creates a Redis lease backend from a client address URL.
func NewRedisBackend(address string) (Backend, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &redisBackend{client: redis.NewClient(opts)}, nil
}

// newRedisBackendWithClient is used by tests to inject a fake client.
func newRedisBackendWithClient(client redisLocker) *redisBackend {
	return &redisBackend{client: client}
}

func (r *redisBackend) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, lockKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("checking lock %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *redisBackend) Acquire(ctx context.Context, key, taskID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKeyPrefix+key, taskID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	return ok, nil
}

func (r *redisBackend) Release(ctx context.Context, key, taskID string) error {
	err := r.client.Eval(ctx, releaseScript, []string{lockKeyPrefix + key}, taskID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing lock %s: %w", key, err)
	}
	return nil
}

func (r *redisBackend) Sweep(ctx context.Context) (int, error) {
	// Redis deletes expired leases on its own; probe the key space so a
	// dead backend still triggers failover for the caller.
	if err := r.client.Exists(ctx, lockKeyPrefix+"__probe__").Err(); err != nil {
		return 0, fmt.Errorf("probing lock backend: %w", err)
	}
	return 0, nil
}
