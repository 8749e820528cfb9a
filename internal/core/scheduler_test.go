package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repoflow/repoflow/internal/lock"
	"github.com/repoflow/repoflow/internal/queue"
	"github.com/repoflow/repoflow/internal/store"
	"github.com/repoflow/repoflow/pkg/models"
)

// fakeWorkspaces hands out a static handle, or fails when told to.
type fakeWorkspaces struct {
	mu       sync.Mutex
	err      error
	acquired []string
}

func (f *fakeWorkspaces) Acquire(_ context.Context, repoURL, _ string) (models.WorkspaceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.WorkspaceHandle{}, f.err
	}
	f.acquired = append(f.acquired, repoURL)
	return models.WorkspaceHandle{Path: "/tmp/ws", Branch: "main"}, nil
}

func (f *fakeWorkspaces) List() []models.WorkspaceRecord { return nil }

func (f *fakeWorkspaces) Get(string) (models.WorkspaceRecord, bool) {
	return models.WorkspaceRecord{}, false
}

func (f *fakeWorkspaces) CleanupOlderThan(context.Context, time.Duration) (int, error) {
	return 0, nil
}

type schedulerHarness struct {
	svc       TaskService
	store     store.TaskStore
	locks     lock.Table
	scheduler *Scheduler
	ranMu     sync.Mutex
	ran       []string
}

func newSchedulerHarness(t *testing.T, workspaces *fakeWorkspaces, runnerErr error) *schedulerHarness {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	locks := lock.NewTable(testLogger())
	q := queue.New(locks, time.Minute, 10*time.Millisecond, testLogger())
	ids := NewTaskIDGenerator(t.TempDir(), "REPO", 5)

	h := &schedulerHarness{
		svc:   NewTaskService(st, q, ids, nil, testLogger()),
		store: st,
		locks: locks,
	}

	runner := func(_ context.Context, task models.TaskRecord, _ models.WorkspaceHandle) error {
		h.ranMu.Lock()
		h.ran = append(h.ran, task.ID)
		h.ranMu.Unlock()
		return runnerErr
	}

	h.scheduler = NewScheduler(q, locks, workspaces, st, runner, SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		LockTTL:      time.Minute,
	}, nil, testLogger())
	return h
}

func (h *schedulerHarness) runCount() int {
	h.ranMu.Lock()
	defer h.ranMu.Unlock()
	return len(h.ran)
}

func waitForStatus(t *testing.T, st store.TaskStore, taskID string, want models.TaskStatus) *models.TaskRecord {
	t.Helper()
	var record *models.TaskRecord
	require.Eventually(t, func() bool {
		r, err := st.Get(context.Background(), taskID)
		if err != nil {
			return false
		}
		record = r
		return r.Status == want
	}, 3*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, want)
	return record
}

func TestSchedulerCompletesTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workspaces := &fakeWorkspaces{}
	h := newSchedulerHarness(t, workspaces, nil)

	id, err := h.svc.Submit(ctx, "github.com/org/repo", "", 1)
	require.NoError(t, err)

	go func() { _ = h.scheduler.Run(ctx) }()

	record := waitForStatus(t, h.store, id, models.StatusCompleted)
	require.NotNil(t, record.EndedAt)
	require.Equal(t, "main", record.Branch)
	require.Equal(t, 1, h.runCount())
	require.Eventually(t, func() bool {
		return !h.locks.IsLocked(ctx, "github.com/org/repo")
	}, time.Second, 10*time.Millisecond, "lock must be released after completion")
}

func TestSchedulerFailsTaskOnRunnerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newSchedulerHarness(t, &fakeWorkspaces{}, errors.New("build broke"))

	id, err := h.svc.Submit(ctx, "github.com/org/repo", "", 1)
	require.NoError(t, err)

	go func() { _ = h.scheduler.Run(ctx) }()

	record := waitForStatus(t, h.store, id, models.StatusFailed)
	require.Contains(t, record.Error, "build broke")
	require.Eventually(t, func() bool {
		return !h.locks.IsLocked(ctx, "github.com/org/repo")
	}, time.Second, 10*time.Millisecond)
}

func TestSchedulerFailsTaskOnWorkspaceError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workspaces := &fakeWorkspaces{err: errors.New("clone refused")}
	h := newSchedulerHarness(t, workspaces, nil)

	id, err := h.svc.Submit(ctx, "github.com/org/repo", "", 1)
	require.NoError(t, err)

	go func() { _ = h.scheduler.Run(ctx) }()

	record := waitForStatus(t, h.store, id, models.StatusFailed)
	require.Contains(t, record.Error, "clone refused")
	require.Zero(t, h.runCount(), "runner must not fire without a workspace")
	require.Eventually(t, func() bool {
		return !h.locks.IsLocked(ctx, "github.com/org/repo")
	}, time.Second, 10*time.Millisecond, "lock must be released on workspace failure")
}

func TestSchedulerSerializesSameRepository(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	locks := lock.NewTable(testLogger())
	q := queue.New(locks, time.Minute, 10*time.Millisecond, testLogger())
	ids := NewTaskIDGenerator(t.TempDir(), "REPO", 5)
	svc := NewTaskService(st, q, ids, nil, testLogger())

	var mu sync.Mutex
	var running int
	var maxRunning int
	var order []string

	runner := func(_ context.Context, task models.TaskRecord, _ models.WorkspaceHandle) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		order = append(order, task.ID)
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	scheduler := NewScheduler(q, locks, &fakeWorkspaces{}, st, runner, SchedulerConfig{
		PollInterval: 5 * time.Millisecond,
		LockTTL:      time.Minute,
	}, nil, testLogger())

	// Same repository under two spellings, different priorities.
	low, err := svc.Submit(ctx, "https://github.com/org/repo.git", "", 1)
	require.NoError(t, err)
	high, err := svc.Submit(ctx, "github.com/org/repo", "", 5)
	require.NoError(t, err)

	go func() { _ = scheduler.Run(ctx) }()

	waitForStatus(t, st, low, models.StatusCompleted)
	waitForStatus(t, st, high, models.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxRunning, "same-repository tasks must never overlap")
	require.Equal(t, []string{high, low}, order, "higher priority dispatches first")
}
