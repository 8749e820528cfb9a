package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/repoflow/repoflow/internal/observability"
	"github.com/repoflow/repoflow/internal/queue"
	"github.com/repoflow/repoflow/internal/repourl"
	"github.com/repoflow/repoflow/internal/store"
	"github.com/repoflow/repoflow/pkg/models"
)

// TaskService is the submission and status surface of repoflow. Submit
// persists a pending record and enqueues it; the scheduler takes it from
// there.
type TaskService interface {
	// Submit registers a task against a repository. When taskID is empty a
	// sequential id is generated. It returns the task id under which the
	// work was registered.
	Submit(ctx context.Context, repoURL, taskID string, priority int) (string, error)

	GetStatus(ctx context.Context, taskID string) (*models.TaskRecord, error)

	// SetStatus applies a partial update to a task record. Terminal records
	// reject updates with store.ErrTerminalTask.
	SetStatus(ctx context.Context, taskID string, update models.StatusUpdate) (*models.TaskRecord, error)

	ListAll(ctx context.Context) ([]models.TaskRecord, error)
	ListByRepository(ctx context.Context, repoURL string) ([]models.TaskRecord, error)
	ListByStatus(ctx context.Context, status models.TaskStatus) ([]models.TaskRecord, error)
}

type taskService struct {
	store  store.TaskStore
	queue  queue.Queue
	ids    TaskIDGenerator
	events observability.EventLog
	logger *slog.Logger
	now    func() time.Time
}

// NewTaskService wires the submission surface. events may be nil.
func NewTaskService(st store.TaskStore, q queue.Queue, ids TaskIDGenerator, events observability.EventLog, logger *slog.Logger) TaskService {
	return &taskService{
		store:  st,
		queue:  q,
		ids:    ids,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

func (s *taskService) Submit(ctx context.Context, repoURL, taskID string, priority int) (string, error) {
	if repourl.Normalize(repoURL) == "" {
		return "", fmt.Errorf("submitting task: repository url must not be empty")
	}

	if taskID == "" {
		generated, err := s.ids.GenerateTaskID()
		if err != nil {
			return "", fmt.Errorf("generating task id: %w", err)
		}
		taskID = generated
	}

	now := s.now()
	record := models.TaskRecord{
		ID:        taskID,
		RepoURL:   repoURL,
		Status:    models.StatusPending,
		StartedAt: now,
	}
	if err := s.store.Create(ctx, record); err != nil {
		return "", fmt.Errorf("persisting task %s: %w", taskID, err)
	}

	entry := models.QueuedTask{
		TaskID:     taskID,
		RepoURL:    repoURL,
		Priority:   priority,
		EnqueuedAt: now,
	}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		return "", fmt.Errorf("enqueueing task %s: %w", taskID, err)
	}

	s.logger.Info("task submitted", "task", taskID, "repo", repourl.Normalize(repoURL), "priority", priority)
	observability.Record(s.events, "INFO", observability.EventTaskSubmitted, "task submitted", map[string]any{
		"task_id":  taskID,
		"repo":     repourl.Normalize(repoURL),
		"priority": priority,
	})
	observability.Record(s.events, "INFO", observability.EventQueueEnqueued, "task enqueued", map[string]any{
		"task_id": taskID,
	})

	return taskID, nil
}

func (s *taskService) GetStatus(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	return s.store.Get(ctx, taskID)
}

func (s *taskService) SetStatus(ctx context.Context, taskID string, update models.StatusUpdate) (*models.TaskRecord, error) {
	if update.Status != nil && !update.Status.Valid() {
		return nil, fmt.Errorf("updating task %s: invalid status %q", taskID, *update.Status)
	}

	record, err := s.store.Update(ctx, taskID, update)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		observability.Record(s.events, "INFO", observability.EventTaskStatusChanged, "task status changed", map[string]any{
			"task_id":    taskID,
			"new_status": string(*update.Status),
		})
	}
	return record, nil
}

func (s *taskService) ListAll(ctx context.Context) ([]models.TaskRecord, error) {
	return s.store.ListAll(ctx)
}

func (s *taskService) ListByRepository(ctx context.Context, repoURL string) ([]models.TaskRecord, error) {
	return s.store.ListByRepository(ctx, repoURL)
}

func (s *taskService) ListByStatus(ctx context.Context, status models.TaskStatus) ([]models.TaskRecord, error) {
	return s.store.ListByStatus(ctx, status)
}
