package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/repoflow/repoflow/internal/repourl"
	"github.com/repoflow/repoflow/pkg/models"
	"gopkg.in/yaml.v3"
)

// fileTaskStore persists one YAML document per task under tasks/ in the base
// directory, with an in-memory index rebuilt from disk at construction time.
type fileTaskStore struct {
	basePath string

	mu    sync.RWMutex
	tasks map[string]models.TaskRecord
}

// NewFileStore creates a TaskStore backed by YAML files under
// basePath/tasks/. Existing records found on disk are loaded into the index,
// so a restart does not require a clean directory.
func NewFileStore(basePath string) (TaskStore, error) {
	s := &fileTaskStore{
		basePath: basePath,
		tasks:    make(map[string]models.TaskRecord),
	}
	if err := os.MkdirAll(s.tasksDir(), 0o750); err != nil {
		return nil, fmt.Errorf("creating tasks directory: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileTaskStore) tasksDir() string {
	return filepath.Join(s.basePath, "tasks")
}

func (s *fileTaskStore) taskPath(taskID string) string {
	return filepath.Join(s.tasksDir(), taskID+".yaml")
}

// load rebuilds the in-memory index from every task file on disk. Malformed
// files are skipped rather than failing startup.
func (s *fileTaskStore) load() error {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		return fmt.Errorf("scanning tasks directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.tasksDir(), entry.Name()))
		if err != nil {
			continue
		}
		var record models.TaskRecord
		if err := yaml.Unmarshal(data, &record); err != nil || record.ID == "" {
			continue
		}
		s.tasks[record.ID] = record
	}
	return nil
}

// save writes a single record to its task file.
func (s *fileTaskStore) save(record models.TaskRecord) error {
	data, err := yaml.Marshal(&record)
	if err != nil {
		return fmt.Errorf("marshalling task %s: %w", record.ID, err)
	}
	if err := os.WriteFile(s.taskPath(record.ID), data, 0o600); err != nil {
		return fmt.Errorf("writing task %s: %w", record.ID, err)
	}
	return nil
}

func (s *fileTaskStore) Create(_ context.Context, record models.TaskRecord) error {
	if record.ID == "" {
		return fmt.Errorf("creating task: ID must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[record.ID]; exists {
		return fmt.Errorf("creating task %s: %w", record.ID, ErrAlreadyExists)
	}
	if err := s.save(record); err != nil {
		return err
	}
	s.tasks[record.ID] = record
	return nil
}

func (s *fileTaskStore) Get(_ context.Context, taskID string) (*models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("getting task %s: %w", taskID, ErrNotFound)
	}
	cp := record
	return &cp, nil
}

func (s *fileTaskStore) Update(_ context.Context, taskID string, update models.StatusUpdate) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("updating task %s: %w", taskID, ErrNotFound)
	}
	if record.Status.IsTerminal() {
		return nil, fmt.Errorf("updating task %s: %w", taskID, ErrTerminalTask)
	}

	update.Apply(&record)
	if err := s.save(record); err != nil {
		return nil, err
	}
	s.tasks[taskID] = record

	cp := record
	return &cp, nil
}

func (s *fileTaskStore) ListAll(_ context.Context) ([]models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(func(models.TaskRecord) bool { return true }), nil
}

func (s *fileTaskStore) ListByRepository(_ context.Context, repoURL string) ([]models.TaskRecord, error) {
	key := repourl.Normalize(repoURL)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(func(r models.TaskRecord) bool {
		return repourl.Normalize(r.RepoURL) == key
	}), nil
}

func (s *fileTaskStore) ListByStatus(_ context.Context, status models.TaskStatus) ([]models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(func(r models.TaskRecord) bool {
		return r.Status == status
	}), nil
}

// snapshot returns matching records ordered by start time, oldest first.
// Callers must hold at least a read lock.
func (s *fileTaskStore) snapshot(match func(models.TaskRecord) bool) []models.TaskRecord {
	var result []models.TaskRecord
	for _, record := range s.tasks {
		if match(record) {
			result = append(result, record)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

func (s *fileTaskStore) Close() error {
	return nil
}
