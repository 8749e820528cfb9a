package models

import "time"

// WorkspaceState tracks where a workspace is in its lifecycle. Handles are
// issued to callers only while the workspace is ready.
type WorkspaceState string

const (
	WorkspaceCloning    WorkspaceState = "cloning"
	WorkspaceReady      WorkspaceState = "ready"
	WorkspaceRefreshing WorkspaceState = "refreshing"
)

// WorkspaceRecord describes the single on-disk checkout kept for a normalized
// repository URL. One record exists per key; the checkout is reused and
// refreshed across tasks instead of re-cloned.
type WorkspaceRecord struct {
	Key          string         `yaml:"key" json:"key"`
	RepoURL      string         `yaml:"repo_url" json:"repo_url"`
	Path         string         `yaml:"path" json:"path"`
	Branch       string         `yaml:"branch" json:"branch"`
	Clean        bool           `yaml:"clean" json:"clean"`
	State        WorkspaceState `yaml:"state" json:"state"`
	LastAccessed time.Time      `yaml:"last_accessed" json:"last_accessed"`
}

// WorkspaceHandle is what a caller receives from a successful workspace
// acquisition: a filesystem path and the branch checked out there. The caller
// owns all git operations inside the path until it releases the repository
// lock for the same task.
type WorkspaceHandle struct {
	Path   string
	Branch string
}
