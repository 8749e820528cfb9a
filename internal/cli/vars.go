package cli

import (
	"github.com/repoflow/repoflow/internal/core"
	"github.com/repoflow/repoflow/internal/lock"
	"github.com/repoflow/repoflow/internal/observability"
	"github.com/repoflow/repoflow/internal/queue"
	"github.com/repoflow/repoflow/internal/workspace"
	"github.com/repoflow/repoflow/pkg/models"
)

// Package-level dependencies injected by internal.NewApp before Execute runs.
var (
	BasePath string
	Config   *models.GlobalConfig

	TaskSvc    core.TaskService
	Queue      queue.Queue
	Locks      lock.Table
	Workspaces workspace.Manager

	EventLog    observability.EventLog
	MetricsCalc observability.MetricsCalculator

	// NewScheduler builds the scheduler for the serve command once the
	// runner is known.
	NewScheduler func(runner core.TaskRunner) *core.Scheduler
)
