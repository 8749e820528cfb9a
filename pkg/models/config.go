package models

import "time"

// StoreBackend selects the task-store persistence backend.
type StoreBackend string

const (
	StoreSQLite StoreBackend = "sqlite"
	StoreFile   StoreBackend = "file"
)

// RefreshPolicy controls what happens when a workspace refresh finds
// uncommitted local changes.
type RefreshPolicy string

const (
	// RefreshStashOrReset shelves dirty changes (stash tagged with the task
	// id) and falls back to a hard reset if stashing fails. Favors queue
	// liveness over preserving uncommitted state.
	RefreshStashOrReset RefreshPolicy = "stash-or-reset"

	// RefreshFail refuses to touch a dirty workspace and fails the
	// acquisition instead.
	RefreshFail RefreshPolicy = "fail"
)

// GlobalConfig holds all repoflow tunables, loaded from .repoflowrc with
// defaults applied for missing keys.
type GlobalConfig struct {
	// RedisAddr is the coordination backend address (redis:// URL). Empty
	// disables Redis entirely and runs on the in-process backends.
	RedisAddr string `yaml:"redis_addr"`

	// RedisOpTimeout bounds each individual Redis round trip.
	RedisOpTimeout time.Duration `yaml:"redis_op_timeout"`

	// PollInterval is the scheduler's dequeue cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// LockTTL bounds every repository lease and doubles as the soft
	// execution budget for a running task.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// RequeueDelay is the penalty applied to an entry whose repository was
	// locked at dequeue time.
	RequeueDelay time.Duration `yaml:"requeue_delay"`

	// StoreBackend selects sqlite or file persistence; StoreDSN is the
	// sqlite path (or ":memory:") / the file-store base directory.
	StoreBackend StoreBackend `yaml:"store_backend"`
	StoreDSN     string       `yaml:"store_dsn"`

	// WorkspaceRoot is where checkouts live; one directory per repository.
	WorkspaceRoot string `yaml:"workspace_root"`

	// RefreshPolicy selects dirty-workspace handling.
	RefreshPolicy RefreshPolicy `yaml:"refresh_policy"`

	// WorkspaceMaxAge is the eviction threshold for the cleanup routine.
	WorkspaceMaxAge time.Duration `yaml:"workspace_max_age"`

	// TaskIDPrefix and TaskIDPadWidth shape generated task ids
	// (e.g. REPO-00001).
	TaskIDPrefix   string `yaml:"task_id_prefix"`
	TaskIDPadWidth int    `yaml:"task_id_pad_width"`
}
