// Package queue implements the priority-ordered pending-work list. Entries
// are ordered by priority (higher first) and enqueue time (FIFO within a
// priority band), live in Redis when the coordination backend is reachable,
// and fall back to a process-local list with identical ordering otherwise.
//
// Dequeue is coupled to the repository lock table: an entry only leaves the
// queue once the lock for its repository has been acquired under its task id.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/repoflow/repoflow/internal/lock"
	"github.com/repoflow/repoflow/internal/observability"
	"github.com/repoflow/repoflow/pkg/models"
)

// Queue is the public pending-work API. Enqueue and DequeueNext never fail
// because the coordination backend is down; they fall back instead.
type Queue interface {
	// Enqueue inserts a pending entry. Safe for concurrent producers.
	Enqueue(ctx context.Context, entry models.QueuedTask) error

	// DequeueNext removes and returns the best dispatchable entry: the
	// highest-priority eligible entry whose repository lock was acquired
	// for the entry's task id. When the best candidate's repository is
	// locked, it is re-queued with a delay penalty and this poll returns
	// no entry; a lost lock race re-queues immediately.
	DequeueNext(ctx context.Context) (*models.QueuedTask, bool)

	// Size returns the number of queued entries across both orderings
	// (ready and penalized).
	Size(ctx context.Context) int

	// Peek returns up to limit entries in dispatch order without mutating
	// the queue.
	Peek(ctx context.Context, limit int) []models.QueuedTask
}

// Backend is an ordered entry store that can fail; the failover Queue hides
// failures.
type Backend interface {
	// Push inserts an entry; now decides whether a penalized entry is
	// already eligible or still serving its delay.
	Push(ctx context.Context, entry models.QueuedTask, now time.Time) error
	// PopBest removes and returns the best eligible entry at the given
	// instant, or nil when none is eligible.
	PopBest(ctx context.Context, now time.Time) (*models.QueuedTask, error)
	Size(ctx context.Context) (int, error)
	Peek(ctx context.Context, limit int) ([]models.QueuedTask, error)
	// DrainAll removes and returns every entry, used to migrate queued
	// work back to a recovered primary backend.
	DrainAll(ctx context.Context) ([]models.QueuedTask, error)
}

// failoverQueue prefers the primary (Redis) backend, owns its in-process
// fallback, and migrates fallback entries back after the primary recovers.
type failoverQueue struct {
	primary      Backend // nil when Redis is not configured
	fallback     Backend
	locks        lock.Table
	lockTTL      time.Duration
	requeueDelay time.Duration
	opTimeout    time.Duration
	logger       *slog.Logger
	events       observability.EventLog
	now          func() time.Time

	degraded atomic.Bool
}

// Option configures a Queue.
type Option func(*failoverQueue)

// WithPrimary installs a Redis-backed primary entry store.
func WithPrimary(b Backend) Option {
	return func(q *failoverQueue) { q.primary = b }
}

// WithOpTimeout bounds each primary-backend round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(q *failoverQueue) { q.opTimeout = d }
}

// WithEvents records backend degradations to the given event log.
func WithEvents(events observability.EventLog) Option {
	return func(q *failoverQueue) { q.events = events }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(q *failoverQueue) { q.now = now }
}

// New creates a Queue bound to the given lock table. lockTTL bounds the lease
// taken on successful dequeue; requeueDelay is the penalty applied to entries
// whose repository was locked.
func New(locks lock.Table, lockTTL, requeueDelay time.Duration, logger *slog.Logger, opts ...Option) Queue {
	q := &failoverQueue{
		fallback:     newMemoryBackend(),
		locks:        locks,
		lockTTL:      lockTTL,
		requeueDelay: requeueDelay,
		opTimeout:    2 * time.Second,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *failoverQueue) Enqueue(ctx context.Context, entry models.QueuedTask) error {
	if entry.TaskID == "" {
		return fmt.Errorf("enqueueing task: task id must not be empty")
	}
	if entry.RepoURL == "" {
		return fmt.Errorf("enqueueing task %s: repository url must not be empty", entry.TaskID)
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = q.now()
	}
	q.push(ctx, entry)
	return nil
}

// push inserts into the primary when reachable, else the fallback. It never
// fails: the fallback is in-process and infallible.
func (q *failoverQueue) push(ctx context.Context, entry models.QueuedTask) {
	now := q.now()
	if q.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, q.opTimeout)
		err := q.primary.Push(opCtx, entry, now)
		cancel()
		if err == nil {
			q.recovered(ctx)
			return
		}
		q.degrade("enqueue", err)
	}
	_ = q.fallback.Push(ctx, entry, now)
}

func (q *failoverQueue) DequeueNext(ctx context.Context) (*models.QueuedTask, bool) {
	entry := q.pop(ctx)
	if entry == nil {
		return nil, false
	}

	// The repository may already be owned by a running task. The entry is
	// not discarded: it comes back after a short penalty so other
	// candidates get their turn on subsequent polls.
	if q.locks.IsLocked(ctx, entry.RepoURL) {
		entry.NotBefore = q.now().Add(q.requeueDelay)
		q.push(ctx, *entry)
		return nil, false
	}

	// The entry counts as removed only once the lock is held under its
	// task id. Losing this race re-queues immediately.
	if !q.locks.Acquire(ctx, entry.RepoURL, entry.TaskID, q.lockTTL) {
		entry.NotBefore = time.Time{}
		q.push(ctx, *entry)
		return nil, false
	}

	return entry, true
}

func (q *failoverQueue) pop(ctx context.Context) *models.QueuedTask {
	now := q.now()
	if q.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, q.opTimeout)
		entry, err := q.primary.PopBest(opCtx, now)
		cancel()
		if err == nil {
			q.recovered(ctx)
			if entry != nil {
				return entry
			}
			// Primary empty: serve anything stranded in the fallback.
			stranded, _ := q.fallback.PopBest(ctx, now)
			return stranded
		}
		q.degrade("dequeue", err)
	}
	entry, _ := q.fallback.PopBest(ctx, now)
	return entry
}

func (q *failoverQueue) Size(ctx context.Context) int {
	total := 0
	if q.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, q.opTimeout)
		n, err := q.primary.Size(opCtx)
		cancel()
		if err == nil {
			q.recovered(ctx)
			total += n
		} else {
			q.degrade("size", err)
		}
	}
	n, _ := q.fallback.Size(ctx)
	return total + n
}

func (q *failoverQueue) Peek(ctx context.Context, limit int) []models.QueuedTask {
	if q.primary != nil {
		opCtx, cancel := context.WithTimeout(ctx, q.opTimeout)
		entries, err := q.primary.Peek(opCtx, limit)
		cancel()
		if err == nil {
			q.recovered(ctx)
			if len(entries) > 0 {
				return entries
			}
		} else {
			q.degrade("peek", err)
		}
	}
	entries, _ := q.fallback.Peek(ctx, limit)
	return entries
}

func (q *failoverQueue) degrade(op string, err error) {
	if q.degraded.CompareAndSwap(false, true) {
		q.logger.Warn("queue backend unreachable, using in-process queue",
			"op", op, "error", err)
		observability.Record(q.events, "WARN", observability.EventBackendDegraded, "queue backend unreachable", map[string]any{
			"component": "queue", "op": op, "error": err.Error(),
		})
	}
}

// recovered migrates fallback entries back to the primary after an outage.
// Best effort: entries that fail to land in the primary go back to the
// fallback, preserving the no-loss contract.
func (q *failoverQueue) recovered(ctx context.Context) {
	if !q.degraded.CompareAndSwap(true, false) {
		return
	}
	q.logger.Info("queue backend reachable again, migrating queued entries")
	observability.Record(q.events, "INFO", observability.EventBackendRecovered, "queue backend reachable again", map[string]any{
		"component": "queue",
	})

	entries, err := q.fallback.DrainAll(ctx)
	if err != nil {
		return
	}
	for i, entry := range entries {
		opCtx, cancel := context.WithTimeout(ctx, q.opTimeout)
		err := q.primary.Push(opCtx, entry, q.now())
		cancel()
		if err != nil {
			// Primary went away again mid-migration; keep the rest local.
			q.degraded.Store(true)
			for _, rest := range entries[i:] {
				_ = q.fallback.Push(ctx, rest, q.now())
			}
			return
		}
	}
}
