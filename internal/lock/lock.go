// Package lock implements per-repository mutual-exclusion leases with TTL.
//
// Leases are backed by Redis when a coordination backend is configured and
// reachable, degrading transparently to a process-local table otherwise.
// Degradation is logged, never surfaced to callers: lock contention is a
// normal outcome, not an error.
package lock

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/repoflow/repoflow/internal/observability"
	"github.com/repoflow/repoflow/internal/repourl"
)

// Table is the public lease API. All methods normalize the repository URL, so
// equivalent spellings contend on one key.
type Table interface {
	// IsLocked reports whether a live (non-expired) lease exists.
	IsLocked(ctx context.Context, repoURL string) bool

	// Acquire atomically creates a lease if no live one exists. It returns
	// false on contention and never blocks waiting for the holder.
	Acquire(ctx context.Context, repoURL, taskID string, ttl time.Duration) bool

	// Release deletes the lease only if taskID is the current holder
	// (compare-and-delete). Releasing someone else's lease, or a lease
	// that no longer exists, is a no-op.
	Release(ctx context.Context, repoURL, taskID string)

	// SweepExpired deletes leases past their TTL and returns how many were
	// removed. Invoked at startup and periodically by the scheduler.
	SweepExpired(ctx context.Context) int
}

// Backend is a lease store that can fail; the failover Table hides failures.
type Backend interface {
	IsLocked(ctx context.Context, key string) (bool, error)
	Acquire(ctx context.Context, key, taskID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, taskID string) error
	Sweep(ctx context.Context) (int, error)
}

// failoverTable prefers the primary (Redis) backend and falls back to the
// process-local table when the primary is unreachable. The fallback state is
// owned by this instance, not by the package.
//
// A lease granted in the fallback during an outage stays authoritative until
// it expires or is released: IsLocked and Acquire consult the fallback even
// while the primary is healthy, so a recovery never double-grants a
// repository whose degraded-era lease is still live.
type failoverTable struct {
	primary   Backend // nil when Redis is not configured
	fallback  Backend
	opTimeout time.Duration
	logger    *slog.Logger
	events    observability.EventLog

	degraded atomic.Bool // tracks transitions for log noise control
}

// Option configures a Table.
type Option func(*failoverTable)

// WithPrimary installs a Redis-backed primary lease store.
func WithPrimary(b Backend) Option {
	return func(t *failoverTable) { t.primary = b }
}

// WithOpTimeout bounds each primary-backend round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(t *failoverTable) { t.opTimeout = d }
}

// WithEvents records lease activity to the given event log.
func WithEvents(events observability.EventLog) Option {
	return func(t *failoverTable) { t.events = events }
}

// NewTable creates a lease Table. Without options it runs purely in-process;
// WithPrimary adds a Redis backend with transparent fallback.
func NewTable(logger *slog.Logger, opts ...Option) Table {
	t := &failoverTable{
		fallback:  newMemoryBackend(time.Now),
		opTimeout: 2 * time.Second,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *failoverTable) IsLocked(ctx context.Context, repoURL string) bool {
	key := repourl.Normalize(repoURL)

	// Degraded-era leases outlive the outage that created them.
	if locked, _ := t.fallback.IsLocked(ctx, key); locked {
		return true
	}

	if t.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
		locked, err := t.primary.IsLocked(opCtx, key)
		cancel()
		if err == nil {
			t.recovered()
			return locked
		}
		t.degrade("islocked", err)
	}
	return false
}

func (t *failoverTable) Acquire(ctx context.Context, repoURL, taskID string, ttl time.Duration) bool {
	key := repourl.Normalize(repoURL)
	ok := t.acquire(ctx, key, taskID, ttl)
	if ok {
		observability.Record(t.events, "INFO", observability.EventLockAcquired, "lease acquired", map[string]any{
			"repo": key, "task_id": taskID, "ttl": ttl.String(),
		})
	} else {
		observability.Record(t.events, "INFO", observability.EventLockContended, "lease contended", map[string]any{
			"repo": key, "task_id": taskID,
		})
	}
	return ok
}

func (t *failoverTable) acquire(ctx context.Context, key, taskID string, ttl time.Duration) bool {
	if t.primary != nil {
		// A live fallback lease blocks the acquire even when the primary
		// is healthy again and has never seen it.
		if locked, _ := t.fallback.IsLocked(ctx, key); locked {
			return false
		}

		opCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
		ok, err := t.primary.Acquire(opCtx, key, taskID, ttl)
		cancel()
		if err == nil {
			t.recovered()
			return ok
		}
		t.degrade("acquire", err)
	}
	ok, _ := t.fallback.Acquire(ctx, key, taskID, ttl)
	return ok
}

func (t *failoverTable) Release(ctx context.Context, repoURL, taskID string) {
	key := repourl.Normalize(repoURL)
	if t.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
		err := t.primary.Release(opCtx, key, taskID)
		cancel()
		if err != nil {
			t.degrade("release", err)
		} else {
			t.recovered()
		}
	}
	// Always release the fallback too: a lease taken while degraded must
	// not outlive the task that holds it.
	_ = t.fallback.Release(ctx, key, taskID)
	observability.Record(t.events, "INFO", observability.EventLockReleased, "lease released", map[string]any{
		"repo": key, "task_id": taskID,
	})
}

func (t *failoverTable) SweepExpired(ctx context.Context) int {
	removed := 0
	if t.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
		n, err := t.primary.Sweep(opCtx)
		cancel()
		if err != nil {
			t.degrade("sweep", err)
		} else {
			t.recovered()
			removed += n
		}
	}
	n, _ := t.fallback.Sweep(ctx)
	return removed + n
}

func (t *failoverTable) degrade(op string, err error) {
	if t.degraded.CompareAndSwap(false, true) {
		t.logger.Warn("lock backend unreachable, using in-process leases",
			"op", op, "error", err)
		observability.Record(t.events, "WARN", observability.EventBackendDegraded, "lock backend unreachable", map[string]any{
			"component": "lock", "op": op, "error": err.Error(),
		})
	}
}

func (t *failoverTable) recovered() {
	if t.degraded.CompareAndSwap(true, false) {
		t.logger.Info("lock backend reachable again")
		observability.Record(t.events, "INFO", observability.EventBackendRecovered, "lock backend reachable again", map[string]any{
			"component": "lock",
		})
	}
}
