package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/repoflow/repoflow/pkg/models"
)

const (
	readyKey   = "repoflow:queue:ready"
	delayedKey = "repoflow:queue:delayed"
)

// redisQueuer narrows redis.Client to the sorted-set commands the queue
// backend needs so tests can substitute a fake.
type redisQueuer interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// redisBackend keeps entries in two sorted sets: ready (scored so that the
// best dispatch candidate has the lowest score) and delayed (scored by the
// instant a penalized entry becomes eligible again). Members are the JSON
// encoding of the entry itself.
type redisBackend struct {
	client redisQueuer
}

// NewRedisBackend creates a Redis queue backend from a client address URL.
func NewRedisBackend(address string) (Backend, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &redisBackend{client: redis.NewClient(opts)}, nil
}

// newRedisBackendWithClient is used by tests to inject a fake client.
func newRedisBackendWithClient(client redisQueuer) *redisBackend {
	return &redisBackend{client: client}
}

// readyScore orders by priority descending, then enqueue time ascending.
// Lower score dispatches first. The millisecond clock stays well inside
// float64's exact-integer range even with the priority term added.
func readyScore(entry models.QueuedTask) float64 {
	return float64(-entry.Priority)*1e13 + float64(entry.EnqueuedAt.UnixMilli())
}

func (r *redisBackend) Push(ctx context.Context, entry models.QueuedTask, now time.Time) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding queue entry %s: %w", entry.TaskID, err)
	}

	key, score := readyKey, readyScore(entry)
	if !entry.NotBefore.IsZero() && entry.NotBefore.After(now) {
		key, score = delayedKey, float64(entry.NotBefore.UnixMilli())
	}

	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: string(raw)}).Err(); err != nil {
		return fmt.Errorf("pushing queue entry %s: %w", entry.TaskID, err)
	}
	return nil
}

func (r *redisBackend) PopBest(ctx context.Context, now time.Time) (*models.QueuedTask, error) {
	if err := r.promoteDue(ctx, now); err != nil {
		return nil, err
	}

	popped, err := r.client.ZPopMin(ctx, readyKey, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("popping queue entry: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	member, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("popping queue entry: unexpected member type %T", popped[0].Member)
	}
	var entry models.QueuedTask
	if err := json.Unmarshal([]byte(member), &entry); err != nil {
		return nil, fmt.Errorf("decoding queue entry: %w", err)
	}
	return &entry, nil
}

// promoteDue moves penalized entries whose delay elapsed back into the ready
// ordering.
func (r *redisBackend) promoteDue(ctx context.Context, now time.Time) error {
	due, err := r.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("reading delayed entries: %w", err)
	}

	for _, member := range due {
		var entry models.QueuedTask
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			// Unparseable member: drop it rather than wedge the queue.
			_ = r.client.ZRem(ctx, delayedKey, member)
			continue
		}
		if err := r.client.ZAdd(ctx, readyKey, redis.Z{
			Score:  readyScore(entry),
			Member: member,
		}).Err(); err != nil {
			return fmt.Errorf("promoting entry %s: %w", entry.TaskID, err)
		}
		if err := r.client.ZRem(ctx, delayedKey, member).Err(); err != nil {
			return fmt.Errorf("promoting entry %s: %w", entry.TaskID, err)
		}
	}
	return nil
}

func (r *redisBackend) Size(ctx context.Context) (int, error) {
	ready, err := r.client.ZCard(ctx, readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sizing queue: %w", err)
	}
	delayed, err := r.client.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sizing queue: %w", err)
	}
	return int(ready + delayed), nil
}

func (r *redisBackend) Peek(ctx context.Context, limit int) ([]models.QueuedTask, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := r.client.ZRange(ctx, readyKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("peeking queue: %w", err)
	}

	entries := make([]models.QueuedTask, 0, len(members))
	for _, member := range members {
		var entry models.QueuedTask
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *redisBackend) DrainAll(ctx context.Context) ([]models.QueuedTask, error) {
	var entries []models.QueuedTask
	for _, key := range []string{readyKey, delayedKey} {
		members, err := r.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("draining queue: %w", err)
		}
		for _, member := range members {
			var entry models.QueuedTask
			if err := json.Unmarshal([]byte(member), &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
	}
	if err := r.client.Del(ctx, readyKey, delayedKey).Err(); err != nil {
		return nil, fmt.Errorf("draining queue: %w", err)
	}
	return entries, nil
}
