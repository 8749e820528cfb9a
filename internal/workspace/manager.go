// Package workspace maintains one shared on-disk checkout per repository.
// Checkouts live under a single root directory, are reused and refreshed
// across tasks, and are evicted only when stale and unlocked.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/repoflow/repoflow/internal/lock"
	"github.com/repoflow/repoflow/internal/observability"
	"github.com/repoflow/repoflow/internal/repourl"
	"github.com/repoflow/repoflow/pkg/models"
)

// primaryBranches is the preference order when picking the branch a refreshed
// workspace lands on.
var primaryBranches = []string{"main", "master", "trunk", "develop"}

// Manager hands out refreshed checkouts. Acquire for the same repository is
// serialized: a second caller waits for the first clone or refresh to finish
// and then reuses its result.
type Manager interface {
	// Acquire returns a ready checkout for the repository, cloning or
	// refreshing as needed. The caller owns the path until it releases
	// the repository lock held under the same task id.
	Acquire(ctx context.Context, repoURL, taskID string) (models.WorkspaceHandle, error)

	// List returns every tracked workspace record.
	List() []models.WorkspaceRecord

	// Get returns the record for a repository, if one exists.
	Get(repoURL string) (models.WorkspaceRecord, bool)

	// CleanupOlderThan evicts workspaces not accessed within maxAge,
	// skipping any whose repository currently holds a live lock. It
	// returns the number of workspaces removed.
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}

// wsEntry serializes work on one workspace. The entry mutex is held for the
// full duration of a clone or refresh so concurrent acquirers of the same
// repository queue up instead of racing.
type wsEntry struct {
	mu  sync.Mutex
	rec models.WorkspaceRecord
}

type manager struct {
	root   string
	git    GitRunner
	locks  lock.Table
	policy models.RefreshPolicy
	logger *slog.Logger
	events observability.EventLog
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*wsEntry
}

// NewManager creates a workspace manager rooted at root and reconciles its
// records with whatever valid checkouts already exist there. events may be
// nil.
func NewManager(root string, git GitRunner, locks lock.Table, policy models.RefreshPolicy, events observability.EventLog, logger *slog.Logger) (Manager, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	if policy == "" {
		policy = models.RefreshStashOrReset
	}

	m := &manager{
		root:    root,
		git:     git,
		locks:   locks,
		policy:  policy,
		logger:  logger,
		events:  events,
		now:     time.Now,
		entries: make(map[string]*wsEntry),
	}
	if err := m.reconcile(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// reconcile rebuilds workspace records from checkouts found under the root.
// Directories that are not git checkouts are left alone but not tracked.
func (m *manager) reconcile(ctx context.Context) error {
	dirEntries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("scanning workspace root: %w", err)
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		path := filepath.Join(m.root, de.Name())
		if !m.git.IsRepo(path) {
			m.logger.Warn("ignoring non-checkout directory in workspace root", "path", path)
			continue
		}

		key := strings.ReplaceAll(de.Name(), "__", "/")
		rec := models.WorkspaceRecord{
			Key:     key,
			RepoURL: key,
			Path:    path,
			Clean:   true,
			State:   models.WorkspaceReady,
		}
		if branch, branchErr := m.git.CurrentBranch(ctx, path); branchErr == nil {
			rec.Branch = branch
		}
		if info, statErr := de.Info(); statErr == nil {
			rec.LastAccessed = info.ModTime()
		} else {
			rec.LastAccessed = m.now()
		}

		m.entries[key] = &wsEntry{rec: rec}
		m.logger.Info("recovered workspace", "key", key, "path", path)
	}
	return nil
}

// entry returns the tracked entry for a key, creating it if absent.
func (m *manager) entry(key string) *wsEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &wsEntry{rec: models.WorkspaceRecord{Key: key}}
		m.entries[key] = e
	}
	return e
}

func (m *manager) Acquire(ctx context.Context, repoURL, taskID string) (models.WorkspaceHandle, error) {
	if repoURL == "" {
		return models.WorkspaceHandle{}, fmt.Errorf("acquiring workspace: repository url must not be empty")
	}
	key := repourl.Normalize(repoURL)
	path := filepath.Join(m.root, repourl.DirName(repoURL))

	e := m.entry(key)
	e.mu.Lock()
	// The entry may have been evicted while we waited for its mutex. Work
	// only on the entry currently in the map so two callers never prepare
	// the same path unserialized.
	for {
		m.mu.Lock()
		current := m.entries[key]
		m.mu.Unlock()
		if current == e {
			break
		}
		e.mu.Unlock()
		e = m.entry(key)
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	if m.git.IsRepo(path) {
		if err := m.refresh(ctx, e, path, taskID); err != nil {
			return models.WorkspaceHandle{}, err
		}
	} else {
		if err := m.clone(ctx, e, repoURL, path); err != nil {
			return models.WorkspaceHandle{}, err
		}
	}

	e.rec.Key = key
	e.rec.RepoURL = repoURL
	e.rec.Path = path
	e.rec.Clean = true
	e.rec.State = models.WorkspaceReady
	e.rec.LastAccessed = m.now()

	return models.WorkspaceHandle{Path: path, Branch: e.rec.Branch}, nil
}

// clone creates a fresh checkout, replacing whatever non-checkout debris sits
// at the canonical path.
func (m *manager) clone(ctx context.Context, e *wsEntry, repoURL, path string) error {
	e.rec.State = models.WorkspaceCloning

	if _, err := os.Stat(path); err == nil {
		m.logger.Warn("replacing stale workspace directory", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing stale workspace %s: %w", path, err)
		}
	}

	if err := m.git.Clone(ctx, cloneURL(repoURL), path); err != nil {
		return fmt.Errorf("cloning %s: %w", repoURL, err)
	}

	branch, err := m.git.CurrentBranch(ctx, path)
	if err != nil {
		return fmt.Errorf("inspecting fresh clone of %s: %w", repoURL, err)
	}
	e.rec.Branch = branch

	m.logger.Info("cloned workspace", "repo", repourl.Normalize(repoURL), "path", path)
	observability.Record(m.events, "INFO", observability.EventWorkspaceCloned, "workspace cloned", map[string]any{
		"repo": repourl.Normalize(repoURL), "path": path, "branch": branch,
	})
	return nil
}

// refresh brings an existing checkout to a clean, up-to-date state on the
// primary branch. Any failure is returned to the caller; the checkout is
// never handed out half-updated.
func (m *manager) refresh(ctx context.Context, e *wsEntry, path, taskID string) error {
	e.rec.State = models.WorkspaceRefreshing

	dirty, err := m.git.IsDirty(ctx, path)
	if err != nil {
		return fmt.Errorf("inspecting workspace %s: %w", path, err)
	}
	if dirty {
		if err := m.makeClean(ctx, path, taskID); err != nil {
			return err
		}
	}

	branch, err := m.pickBranch(ctx, path)
	if err != nil {
		return err
	}
	if err := m.git.Checkout(ctx, path, branch); err != nil {
		return fmt.Errorf("switching workspace %s to %s: %w", path, branch, err)
	}
	if err := m.git.Fetch(ctx, path); err != nil {
		return fmt.Errorf("fetching workspace %s: %w", path, err)
	}
	if err := m.git.FastForward(ctx, path, branch); err != nil {
		return fmt.Errorf("fast-forwarding workspace %s: %w", path, err)
	}

	e.rec.Branch = branch
	m.logger.Info("refreshed workspace", "path", path, "branch", branch)
	observability.Record(m.events, "INFO", observability.EventWorkspaceRefreshed, "workspace refreshed", map[string]any{
		"path": path, "branch": branch,
	})
	return nil
}

// makeClean disposes of uncommitted changes. A stash tagged with the task id
// preserves them; when stashing fails the configured policy decides between
// discarding (hard reset) and refusing the workspace.
func (m *manager) makeClean(ctx context.Context, path, taskID string) error {
	stashErr := m.git.Stash(ctx, path, "repoflow auto-stash before "+taskID)
	if stashErr == nil {
		return nil
	}
	if m.policy == models.RefreshFail {
		return fmt.Errorf("stashing dirty workspace %s: %w", path, stashErr)
	}

	m.logger.Warn("stash failed, hard-resetting workspace", "path", path, "error", stashErr)
	if err := m.git.HardReset(ctx, path); err != nil {
		return fmt.Errorf("resetting dirty workspace %s: %w", path, err)
	}
	return nil
}

// pickBranch chooses the branch a refreshed workspace should sit on: the
// first of the well-known primary names that exists locally, else the first
// local branch.
func (m *manager) pickBranch(ctx context.Context, path string) (string, error) {
	branches, err := m.git.LocalBranches(ctx, path)
	if err != nil {
		return "", fmt.Errorf("listing branches in %s: %w", path, err)
	}
	if len(branches) == 0 {
		return "", fmt.Errorf("workspace %s has no local branches", path)
	}

	for _, preferred := range primaryBranches {
		for _, b := range branches {
			if b == preferred {
				return preferred, nil
			}
		}
	}
	return branches[0], nil
}

func (m *manager) List() []models.WorkspaceRecord {
	m.mu.Lock()
	entries := make([]*wsEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	records := make([]models.WorkspaceRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		records = append(records, e.rec)
		e.mu.Unlock()
	}
	return records
}

func (m *manager) Get(repoURL string) (models.WorkspaceRecord, bool) {
	key := repourl.Normalize(repoURL)

	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return models.WorkspaceRecord{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

func (m *manager) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	candidates := make(map[string]*wsEntry, len(m.entries))
	for key, e := range m.entries {
		candidates[key] = e
	}
	m.mu.Unlock()

	removed := 0
	for key, e := range candidates {
		e.mu.Lock()
		stale := !e.rec.LastAccessed.After(cutoff) && e.rec.Path != ""
		if !stale {
			e.mu.Unlock()
			continue
		}
		// A live lock means a task may be running inside the checkout.
		if m.locks.IsLocked(ctx, key) {
			m.logger.Info("skipping cleanup of locked workspace", "key", key)
			e.mu.Unlock()
			continue
		}
		if err := os.RemoveAll(e.rec.Path); err != nil {
			e.mu.Unlock()
			return removed, fmt.Errorf("evicting workspace %s: %w", e.rec.Path, err)
		}
		path := e.rec.Path
		e.rec = models.WorkspaceRecord{Key: key}

		// Drop the map entry before releasing the entry mutex: an acquirer
		// already waiting on it must observe the eviction and re-look-up.
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		e.mu.Unlock()

		removed++
		m.logger.Info("evicted workspace", "key", key, "path", path)
	}
	return removed, nil
}

// cloneURL derives the URL to clone from. Full URLs pass through untouched;
// bare host/org/repo identifiers get the HTTPS form.
func cloneURL(repoURL string) string {
	if strings.Contains(repoURL, "://") || strings.Contains(repoURL, "@") {
		return repoURL
	}
	return "https://" + repourl.Normalize(repoURL) + ".git"
}
