// Package store provides durable persistence for task status records behind
// a single TaskStore interface, with two interchangeable backends: an
// embedded SQLite database and a flat-file YAML store.
package store

import (
	"context"
	"errors"

	"github.com/repoflow/repoflow/pkg/models"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound      = errors.New("task not found")
	ErrAlreadyExists = errors.New("task already exists")
	ErrTerminalTask  = errors.New("task is in a terminal state")
)

// TaskStore persists task status records keyed by task id. Implementations
// must be safe for concurrent use. Records in a terminal status are
// immutable: Update returns ErrTerminalTask for them.
type TaskStore interface {
	Create(ctx context.Context, record models.TaskRecord) error
	Get(ctx context.Context, taskID string) (*models.TaskRecord, error)
	Update(ctx context.Context, taskID string, update models.StatusUpdate) (*models.TaskRecord, error)
	ListAll(ctx context.Context) ([]models.TaskRecord, error)
	ListByRepository(ctx context.Context, repoURL string) ([]models.TaskRecord, error)
	ListByStatus(ctx context.Context, status models.TaskStatus) ([]models.TaskRecord, error)
	Close() error
}
