package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/repoflow/repoflow/internal/lock"
	"github.com/repoflow/repoflow/internal/observability"
	"github.com/repoflow/repoflow/internal/queue"
	"github.com/repoflow/repoflow/internal/store"
	"github.com/repoflow/repoflow/internal/workspace"
	"github.com/repoflow/repoflow/pkg/models"
)

// TaskRunner executes a dequeued task inside its acquired workspace. The
// context carries a deadline derived from the lock TTL; runners should stop
// work when it expires. Returning an error fails the task.
type TaskRunner func(ctx context.Context, task models.TaskRecord, ws models.WorkspaceHandle) error

// Scheduler drives the queue: one recurring poll loop that dequeues tasks,
// acquires their workspace, runs them, and finalizes their records. It also
// sweeps expired locks and evicts stale workspaces in the background.
type Scheduler struct {
	queue      queue.Queue
	locks      lock.Table
	workspaces workspace.Manager
	store      store.TaskStore
	runner     TaskRunner
	events     observability.EventLog
	logger     *slog.Logger

	pollInterval    time.Duration
	lockTTL         time.Duration
	sweepInterval   time.Duration
	workspaceMaxAge time.Duration

	wg sync.WaitGroup
}

// SchedulerConfig carries the tunables the scheduler needs.
type SchedulerConfig struct {
	PollInterval    time.Duration
	LockTTL         time.Duration
	SweepInterval   time.Duration // defaults to one minute
	WorkspaceMaxAge time.Duration // zero disables cleanup
}

// NewScheduler wires a scheduler. events may be nil.
func NewScheduler(q queue.Queue, locks lock.Table, workspaces workspace.Manager, st store.TaskStore, runner TaskRunner, cfg SchedulerConfig, events observability.EventLog, logger *slog.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Scheduler{
		queue:           q,
		locks:           locks,
		workspaces:      workspaces,
		store:           st,
		runner:          runner,
		events:          events,
		logger:          logger,
		pollInterval:    cfg.PollInterval,
		lockTTL:         cfg.LockTTL,
		sweepInterval:   cfg.SweepInterval,
		workspaceMaxAge: cfg.WorkspaceMaxAge,
	}
}

// Run polls the queue until the context is cancelled, then waits for any
// in-flight task to finish. An initial lock sweep clears leases left behind
// by a previous crash.
func (s *Scheduler) Run(ctx context.Context) error {
	if swept := s.locks.SweepExpired(ctx); swept > 0 {
		s.logger.Info("startup sweep removed expired locks", "count", swept)
	}

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-poll.C:
			s.tick(ctx)
		case <-sweep.C:
			s.maintain(ctx)
		}
	}
}

// tick dequeues at most one task and dispatches it. The queue has already
// acquired the repository lock for the returned entry.
func (s *Scheduler) tick(ctx context.Context) {
	entry, ok := s.queue.DequeueNext(ctx)
	if !ok {
		return
	}

	observability.Record(s.events, "INFO", observability.EventQueueDequeued, "task dequeued", map[string]any{
		"task_id": entry.TaskID,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, *entry)
	}()
}

// execute runs one task end to end: workspace acquisition, runner invocation,
// record finalization, lock release. The lock is released on every path.
func (s *Scheduler) execute(ctx context.Context, entry models.QueuedTask) {
	defer s.locks.Release(ctx, entry.RepoURL, entry.TaskID)

	// The lock TTL is the soft execution budget: work past it risks a
	// second task entering the same repository.
	runCtx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()

	s.setStatus(ctx, entry.TaskID, models.StatusPlanning, nil)

	ws, err := s.workspaces.Acquire(runCtx, entry.RepoURL, entry.TaskID)
	if err != nil {
		s.logger.Error("workspace acquisition failed", "task", entry.TaskID, "error", err)
		s.finalize(ctx, entry.TaskID, err)
		return
	}

	record, getErr := s.store.Get(ctx, entry.TaskID)
	if getErr != nil {
		// The record may live in a store that is briefly unreadable; run
		// with what the queue entry carries rather than dropping the task.
		s.logger.Warn("reading task record failed, continuing", "task", entry.TaskID, "error", getErr)
		record = &models.TaskRecord{ID: entry.TaskID, RepoURL: entry.RepoURL, Status: models.StatusPlanning}
	}

	branch := ws.Branch
	s.setStatus(ctx, entry.TaskID, models.StatusImplementing, &branch)

	runErr := s.runner(runCtx, *record, ws)
	s.finalize(ctx, entry.TaskID, runErr)
}

// setStatus applies a status transition, logging instead of failing when the
// store is unavailable. A branch, when given, is recorded alongside.
func (s *Scheduler) setStatus(ctx context.Context, taskID string, status models.TaskStatus, branch *string) {
	update := models.StatusUpdate{Status: &status, Branch: branch}
	if _, err := s.store.Update(ctx, taskID, update); err != nil {
		s.logger.Warn("updating task status failed", "task", taskID, "status", status, "error", err)
		return
	}
	observability.Record(s.events, "INFO", observability.EventTaskStatusChanged, "task status changed", map[string]any{
		"task_id":    taskID,
		"new_status": string(status),
	})
}

// finalize moves the record to its terminal status.
func (s *Scheduler) finalize(ctx context.Context, taskID string, runErr error) {
	now := time.Now()
	status := models.StatusCompleted
	update := models.StatusUpdate{Status: &status, EndedAt: &now}

	eventType := observability.EventTaskCompleted
	level := "INFO"
	if runErr != nil {
		status = models.StatusFailed
		msg := runErr.Error()
		update.Error = &msg
		eventType = observability.EventTaskFailed
		level = "ERROR"
	}

	if _, err := s.store.Update(ctx, taskID, update); err != nil {
		s.logger.Error("finalizing task record failed", "task", taskID, "error", err)
	}

	s.logger.Info("task finished", "task", taskID, "status", status)
	observability.Record(s.events, level, eventType, "task finished", map[string]any{
		"task_id": taskID,
		"status":  string(status),
	})
}

// maintain sweeps expired locks and evicts stale workspaces.
func (s *Scheduler) maintain(ctx context.Context) {
	if swept := s.locks.SweepExpired(ctx); swept > 0 {
		s.logger.Info("swept expired locks", "count", swept)
		observability.Record(s.events, "INFO", observability.EventLockSwept, "expired locks removed", map[string]any{
			"count": swept,
		})
	}

	if s.workspaceMaxAge <= 0 {
		return
	}
	removed, err := s.workspaces.CleanupOlderThan(ctx, s.workspaceMaxAge)
	if err != nil {
		s.logger.Warn("workspace cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("evicted stale workspaces", "count", removed)
		observability.Record(s.events, "INFO", observability.EventWorkspaceEvicted, "stale workspaces removed", map[string]any{
			"count": removed,
		})
	}
}
