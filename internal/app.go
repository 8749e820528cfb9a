// Package internal provides the App struct that wires all repoflow
// components together and initializes the CLI layer.
package internal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/repoflow/repoflow/internal/cli"
	"github.com/repoflow/repoflow/internal/core"
	"github.com/repoflow/repoflow/internal/lock"
	"github.com/repoflow/repoflow/internal/observability"
	"github.com/repoflow/repoflow/internal/queue"
	"github.com/repoflow/repoflow/internal/store"
	"github.com/repoflow/repoflow/internal/workspace"
	"github.com/repoflow/repoflow/pkg/models"
)

// App holds all service dependencies for repoflow.
type App struct {
	BasePath string
	Config   *models.GlobalConfig
	Logger   *slog.Logger

	ConfigMgr core.ConfigurationManager
	Store     store.TaskStore
	Locks     lock.Table
	Queue     queue.Queue

	Workspaces workspace.Manager
	IDGen      core.TaskIDGenerator
	TaskSvc    core.TaskService

	EventLog    observability.EventLog
	MetricsCalc observability.MetricsCalculator
}

// NewApp creates and wires all repoflow components. basePath is the root
// directory where all data is stored (typically ~/.repoflow or the directory
// containing .repoflowrc).
func NewApp(basePath string) (*App, error) {
	app := &App{
		BasePath: basePath,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	// --- Configuration ---
	app.ConfigMgr = core.NewConfigurationManager(basePath)
	cfg, err := app.ConfigMgr.LoadGlobalConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := app.ConfigMgr.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	app.Config = cfg

	// --- Task store ---
	switch cfg.StoreBackend {
	case models.StoreFile:
		app.Store, err = store.NewFileStore(cfg.StoreDSN)
	default:
		app.Store, err = store.NewSQLiteStore(cfg.StoreDSN)
	}
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}

	// --- Observability ---
	eventLogPath := filepath.Join(basePath, ".repoflow_events.jsonl")
	app.EventLog, err = observability.NewJSONLEventLog(eventLogPath)
	if err != nil {
		// Non-fatal: run without the event log.
		app.EventLog = nil
	}
	if app.EventLog != nil {
		app.MetricsCalc = observability.NewMetricsCalculator(app.EventLog)
	}

	// --- Coordination: lock table and queue ---
	lockOpts := []lock.Option{lock.WithEvents(app.EventLog)}
	queueOpts := []queue.Option{queue.WithEvents(app.EventLog)}
	if cfg.RedisAddr != "" {
		lockBackend, lockErr := lock.NewRedisBackend(cfg.RedisAddr)
		if lockErr != nil {
			return nil, fmt.Errorf("configuring redis lock backend: %w", lockErr)
		}
		queueBackend, queueErr := queue.NewRedisBackend(cfg.RedisAddr)
		if queueErr != nil {
			return nil, fmt.Errorf("configuring redis queue backend: %w", queueErr)
		}
		lockOpts = append(lockOpts, lock.WithPrimary(lockBackend), lock.WithOpTimeout(cfg.RedisOpTimeout))
		queueOpts = append(queueOpts, queue.WithPrimary(queueBackend), queue.WithOpTimeout(cfg.RedisOpTimeout))
	}
	app.Locks = lock.NewTable(app.Logger, lockOpts...)
	app.Queue = queue.New(app.Locks, cfg.LockTTL, cfg.RequeueDelay, app.Logger, queueOpts...)

	// --- Workspaces ---
	app.Workspaces, err = workspace.NewManager(cfg.WorkspaceRoot, workspace.NewGitRunner(), app.Locks, cfg.RefreshPolicy, app.EventLog, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace manager: %w", err)
	}

	// --- Core services ---
	app.IDGen = core.NewTaskIDGenerator(basePath, cfg.TaskIDPrefix, cfg.TaskIDPadWidth)
	app.TaskSvc = core.NewTaskService(app.Store, app.Queue, app.IDGen, app.EventLog, app.Logger)

	// --- Wire CLI package-level variables ---
	cli.BasePath = basePath
	cli.Config = cfg
	cli.TaskSvc = app.TaskSvc
	cli.Queue = app.Queue
	cli.Locks = app.Locks
	cli.Workspaces = app.Workspaces
	cli.EventLog = app.EventLog
	cli.MetricsCalc = app.MetricsCalc
	cli.NewScheduler = func(runner core.TaskRunner) *core.Scheduler {
		return core.NewScheduler(app.Queue, app.Locks, app.Workspaces, app.Store, runner, core.SchedulerConfig{
			PollInterval:    cfg.PollInterval,
			LockTTL:         cfg.LockTTL,
			WorkspaceMaxAge: cfg.WorkspaceMaxAge,
		}, app.EventLog, app.Logger)
	}

	return app, nil
}

// Close releases resources held by the App: the task store and, when
// enabled, the event log file handle.
func (a *App) Close() error {
	var firstErr error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			firstErr = err
		}
	}
	if a.EventLog != nil {
		if err := a.EventLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResolveBasePath determines the base path for the repoflow data directory.
// It checks the REPOFLOW_HOME env var, then walks up from the current
// directory looking for a .repoflowrc, and finally falls back to the cwd.
func ResolveBasePath() string {
	if home := os.Getenv("REPOFLOW_HOME"); home != "" {
		return home
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".repoflowrc")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	cwd, _ := os.Getwd()
	return cwd
}
