package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitRunner abstracts the git operations the workspace manager performs so
// tests can substitute a fake and exercise the refresh state machine without
// a git binary or network access.
type GitRunner interface {
	Clone(ctx context.Context, url, dir string) error
	// IsRepo reports whether dir holds a git checkout.
	IsRepo(dir string) bool
	// IsDirty reports whether the checkout has uncommitted changes,
	// via `git status --porcelain`.
	IsDirty(ctx context.Context, dir string) (bool, error)
	// Stash saves uncommitted changes under a message so they can be
	// recovered later.
	Stash(ctx context.Context, dir, message string) error
	// HardReset discards uncommitted changes.
	HardReset(ctx context.Context, dir string) error
	LocalBranches(ctx context.Context, dir string) ([]string, error)
	CurrentBranch(ctx context.Context, dir string) (string, error)
	Checkout(ctx context.Context, dir, branch string) error
	Fetch(ctx context.Context, dir string) error
	// FastForward merges origin/branch with --ff-only.
	FastForward(ctx context.Context, dir, branch string) error
}

// execGitRunner shells out to the git binary.
type execGitRunner struct{}

// NewGitRunner returns a GitRunner backed by the git CLI.
func NewGitRunner() GitRunner {
	return &execGitRunner{}
}

// run executes git with the given arguments inside dir and wraps any failure
// with the command's combined output.
func (g *execGitRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %s: %w", args[0], strings.TrimSpace(string(output)), err)
	}
	return string(output), nil
}

func (g *execGitRunner) Clone(ctx context.Context, url, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
		return fmt.Errorf("creating clone parent directory: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "clone", url, dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

func (g *execGitRunner) IsRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func (g *execGitRunner) IsDirty(ctx context.Context, dir string) (bool, error) {
	output, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}

func (g *execGitRunner) Stash(ctx context.Context, dir, message string) error {
	_, err := g.run(ctx, dir, "stash", "push", "--include-untracked", "-m", message)
	return err
}

func (g *execGitRunner) HardReset(ctx context.Context, dir string) error {
	if _, err := g.run(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := g.run(ctx, dir, "clean", "-fd")
	return err
}

func (g *execGitRunner) LocalBranches(ctx context.Context, dir string) ([]string, error) {
	output, err := g.run(ctx, dir, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(output, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

func (g *execGitRunner) CurrentBranch(ctx context.Context, dir string) (string, error) {
	output, err := g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

func (g *execGitRunner) Checkout(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "checkout", branch)
	return err
}

func (g *execGitRunner) Fetch(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "fetch", "origin", "--prune")
	return err
}

func (g *execGitRunner) FastForward(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "merge", "--ff-only", "origin/"+branch)
	return err
}
