package workspace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repoflow/repoflow/internal/lock"
	"github.com/repoflow/repoflow/internal/observability"
	"github.com/repoflow/repoflow/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGit scripts git behavior so the state machine can be exercised without
// a git binary.
type fakeGit struct {
	mu       sync.Mutex
	cloned   map[string]bool
	branches []string
	current  string
	dirty    bool

	cloneErr   error
	stashErr   error
	resetErr   error
	fetchErr   error
	ffErr      error
	cloneDelay time.Duration

	calls []string
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		cloned:   make(map[string]bool),
		branches: []string{"main"},
		current:  "main",
	}
}

func (g *fakeGit) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGit) callCount(call string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (g *fakeGit) Clone(_ context.Context, _, dir string) error {
	g.record("clone")
	if g.cloneDelay > 0 {
		time.Sleep(g.cloneDelay)
	}
	if g.cloneErr != nil {
		return g.cloneErr
	}
	g.mu.Lock()
	g.cloned[dir] = true
	g.mu.Unlock()
	return nil
}

func (g *fakeGit) IsRepo(dir string) bool {
	g.mu.Lock()
	known := g.cloned[dir]
	g.mu.Unlock()
	if known {
		return true
	}
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func (g *fakeGit) IsDirty(context.Context, string) (bool, error) {
	g.record("status")
	return g.dirty, nil
}

func (g *fakeGit) Stash(context.Context, string, string) error {
	g.record("stash")
	return g.stashErr
}

func (g *fakeGit) HardReset(context.Context, string) error {
	g.record("reset")
	return g.resetErr
}

func (g *fakeGit) LocalBranches(context.Context, string) ([]string, error) {
	g.record("branches")
	return g.branches, nil
}

func (g *fakeGit) CurrentBranch(context.Context, string) (string, error) {
	return g.current, nil
}

func (g *fakeGit) Checkout(_ context.Context, _, branch string) error {
	g.record("checkout " + branch)
	g.mu.Lock()
	g.current = branch
	g.mu.Unlock()
	return nil
}

func (g *fakeGit) Fetch(context.Context, string) error {
	g.record("fetch")
	return g.fetchErr
}

func (g *fakeGit) FastForward(context.Context, string, string) error {
	g.record("ff")
	return g.ffErr
}

func newTestManager(t *testing.T, git GitRunner, policy models.RefreshPolicy) (Manager, lock.Table) {
	t.Helper()
	locks := lock.NewTable(testLogger())
	m, err := NewManager(t.TempDir(), git, locks, policy, nil, testLogger())
	require.NoError(t, err)
	return m, locks
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh clone", func(t *testing.T) {
		git := newFakeGit()
		m, _ := newTestManager(t, git, models.RefreshStashOrReset)

		handle, err := m.Acquire(ctx, "https://github.com/org/repo.git", "T-1")
		require.NoError(t, err)
		require.Equal(t, "main", handle.Branch)
		require.Equal(t, "github.com__org__repo", filepath.Base(handle.Path))
		require.Equal(t, 1, git.callCount("clone"))

		rec, ok := m.Get("github.com/org/repo")
		require.True(t, ok)
		require.Equal(t, models.WorkspaceReady, rec.State)
		require.True(t, rec.Clean)
	})

	t.Run("second acquire reuses and refreshes", func(t *testing.T) {
		git := newFakeGit()
		m, _ := newTestManager(t, git, models.RefreshStashOrReset)

		first, err := m.Acquire(ctx, "github.com/org/repo", "T-1")
		require.NoError(t, err)

		rec, _ := m.Get("github.com/org/repo")
		firstAccess := rec.LastAccessed

		second, err := m.Acquire(ctx, "https://GitHub.com/org/repo/", "T-2")
		require.NoError(t, err)

		require.Equal(t, first.Path, second.Path, "equivalent urls share one checkout")
		require.Equal(t, 1, git.callCount("clone"), "no second clone")
		require.Equal(t, 1, git.callCount("fetch"), "refresh ran")

		rec, _ = m.Get("github.com/org/repo")
		require.False(t, rec.LastAccessed.Before(firstAccess))
	})

	t.Run("dirty checkout is stashed", func(t *testing.T) {
		git := newFakeGit()
		m, _ := newTestManager(t, git, models.RefreshStashOrReset)

		_, err := m.Acquire(ctx, "github.com/org/repo", "T-1")
		require.NoError(t, err)

		git.dirty = true
		_, err = m.Acquire(ctx, "github.com/org/repo", "T-2")
		require.NoError(t, err)
		require.Equal(t, 1, git.callCount("stash"))
		require.Zero(t, git.callCount("reset"))
	})

	t.Run("failed stash falls back to hard reset", func(t *testing.T) {
		git := newFakeGit()
		git.stashErr = errors.New("stash exploded")
		m, _ := newTestManager(t, git, models.RefreshStashOrReset)

		_, err := m.Acquire(ctx, "github.com/org/repo", "T-1")
		require.NoError(t, err)

		git.dirty = true
		_, err = m.Acquire(ctx, "github.com/org/repo", "T-2")
		require.NoError(t, err)
		require.Equal(t, 1, git.callCount("reset"))
	})

	t.Run("fail policy refuses a dirty checkout", func(t *testing.T) {
		git := newFakeGit()
		git.stashErr = errors.New("stash exploded")
		m, _ := newTestManager(t, git, models.RefreshFail)

		_, err := m.Acquire(ctx, "github.com/org/repo", "T-1")
		require.NoError(t, err)

		git.dirty = true
		_, err = m.Acquire(ctx, "github.com/org/repo", "T-2")
		require.Error(t, err)
		require.Zero(t, git.callCount("reset"))
	})

	t.Run("refresh failure surfaces to the caller", func(t *testing.T) {
		git := newFakeGit()
		m, _ := newTestManager(t, git, models.RefreshStashOrReset)

		_, err := m.Acquire(ctx, "github.com/org/repo", "T-1")
		require.NoError(t, err)

		git.fetchErr = errors.New("remote unreachable")
		_, err = m.Acquire(ctx, "github.com/org/repo", "T-2")
		require.Error(t, err)
	})

	t.Run("prefers primary branch names in order", func(t *testing.T) {
		git := newFakeGit()
		git.branches = []string{"feature/x", "develop", "master"}
		m, _ := newTestManager(t, git, models.RefreshStashOrReset)

		_, err := m.Acquire(ctx, "github.com/org/repo", "T-1")
		require.NoError(t, err)

		handle, err := m.Acquire(ctx, "github.com/org/repo", "T-2")
		require.NoError(t, err)
		require.Equal(t, "master", handle.Branch)
	})

	t.Run("falls back to first local branch", func(t *testing.T) {
		git := newFakeGit()
		git.branches = []string{"release/2024"}
		m, _ := newTestManager(t, git, models.RefreshStashOrReset)

		_, err := m.Acquire(ctx, "github.com/org/repo", "T-1")
		require.NoError(t, err)

		handle, err := m.Acquire(ctx, "github.com/org/repo", "T-2")
		require.NoError(t, err)
		require.Equal(t, "release/2024", handle.Branch)
	})
}

func TestConcurrentAcquireSameRepoClonesOnce(t *testing.T) {
	ctx := context.Background()
	git := newFakeGit()
	git.cloneDelay = 20 * time.Millisecond
	m, _ := newTestManager(t, git, models.RefreshStashOrReset)

	const workers = 8
	var wg sync.WaitGroup
	paths := make([]string, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Acquire(ctx, "github.com/org/repo", "T-1")
			paths[i], errs[i] = h.Path, err
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, git.callCount("clone"), "concurrent acquirers must not duplicate the clone")
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, paths[0], paths[i])
	}
}

func TestReconcileRecoversCheckouts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "github.com__org__repo", ".git"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-checkout"), 0o750))

	git := newFakeGit()
	m, err := NewManager(root, git, lock.NewTable(testLogger()), models.RefreshStashOrReset, nil, testLogger())
	require.NoError(t, err)

	records := m.List()
	require.Len(t, records, 1)
	require.Equal(t, "github.com/org/repo", records[0].Key)
	require.Equal(t, models.WorkspaceReady, records[0].State)

	_, ok := m.Get("https://github.com/org/repo.git")
	require.True(t, ok, "recovered record must be reachable by any equivalent url")
}

// memEventLog collects events in memory for assertions.
type memEventLog struct {
	mu     sync.Mutex
	events []observability.Event
}

func (l *memEventLog) Write(e observability.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *memEventLog) Read(observability.EventFilter) ([]observability.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]observability.Event, len(l.events))
	copy(out, l.events)
	return out, nil
}

func (l *memEventLog) Close() error { return nil }

func (l *memEventLog) typeCounts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range l.events {
		counts[e.Type]++
	}
	return counts
}

func TestManagerRecordsWorkspaceEvents(t *testing.T) {
	ctx := context.Background()
	git := newFakeGit()
	log := &memEventLog{}
	m, err := NewManager(t.TempDir(), git, lock.NewTable(testLogger()), models.RefreshStashOrReset, log, testLogger())
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "github.com/org/repo", "T-1")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "github.com/org/repo", "T-2")
	require.NoError(t, err)

	counts := log.typeCounts()
	require.Equal(t, 1, counts[observability.EventWorkspaceCloned])
	require.Equal(t, 1, counts[observability.EventWorkspaceRefreshed])
}

func TestAcquireAfterEvictionUsesCurrentEntry(t *testing.T) {
	ctx := context.Background()
	git := newFakeGit()
	mgr, _ := newTestManager(t, git, models.RefreshStashOrReset)
	m := mgr.(*manager)

	_, err := mgr.Acquire(ctx, "github.com/org/repo", "T-1")
	require.NoError(t, err)

	// Hold the entry mutex the way an in-flight eviction would.
	e := m.entry("github.com/org/repo")
	e.mu.Lock()

	done := make(chan error, 1)
	var handle models.WorkspaceHandle
	go func() {
		h, acqErr := mgr.Acquire(ctx, "github.com/org/repo", "T-2")
		handle = h
		done <- acqErr
	}()

	// Evict while the second acquirer waits on the entry mutex, then let
	// it proceed.
	time.Sleep(20 * time.Millisecond)
	m.mu.Lock()
	delete(m.entries, "github.com/org/repo")
	m.mu.Unlock()
	e.mu.Unlock()

	require.NoError(t, <-done)

	// The acquire must have registered under the entry now in the map,
	// not the evicted one it was originally waiting on.
	m.mu.Lock()
	current := m.entries["github.com/org/repo"]
	m.mu.Unlock()
	require.NotNil(t, current)
	require.NotSame(t, e, current)
	require.Equal(t, handle.Path, current.rec.Path)
}

func TestCleanupOlderThan(t *testing.T) {
	ctx := context.Background()

	t.Run("evicts stale workspaces", func(t *testing.T) {
		git := newFakeGit()
		m, _ := newTestManager(t, git, models.RefreshStashOrReset)

		_, err := m.Acquire(ctx, "github.com/org/stale", "T-1")
		require.NoError(t, err)

		// Push the record into the past.
		m.(*manager).now = func() time.Time { return time.Now().Add(48 * time.Hour) }

		removed, err := m.CleanupOlderThan(ctx, 24*time.Hour)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		_, ok := m.Get("github.com/org/stale")
		require.False(t, ok)
	})

	t.Run("keeps fresh workspaces", func(t *testing.T) {
		git := newFakeGit()
		m, _ := newTestManager(t, git, models.RefreshStashOrReset)

		_, err := m.Acquire(ctx, "github.com/org/fresh", "T-1")
		require.NoError(t, err)

		removed, err := m.CleanupOlderThan(ctx, 24*time.Hour)
		require.NoError(t, err)
		require.Zero(t, removed)
	})

	t.Run("never evicts a locked repository", func(t *testing.T) {
		git := newFakeGit()
		m, locks := newTestManager(t, git, models.RefreshStashOrReset)

		_, err := m.Acquire(ctx, "github.com/org/busy", "T-1")
		require.NoError(t, err)
		require.True(t, locks.Acquire(ctx, "github.com/org/busy", "T-1", time.Hour))

		m.(*manager).now = func() time.Time { return time.Now().Add(48 * time.Hour) }

		removed, err := m.CleanupOlderThan(ctx, 24*time.Hour)
		require.NoError(t, err)
		require.Zero(t, removed)

		_, ok := m.Get("github.com/org/busy")
		require.True(t, ok)
	})
}
