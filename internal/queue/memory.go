package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/repoflow/repoflow/pkg/models"
)

// memoryBackend is the process-local ordered list. Entries are kept sorted in
// dispatch order; eligibility (NotBefore) is evaluated at pop time so a
// penalized entry keeps its place without blocking later candidates.
type memoryBackend struct {
	mu      sync.Mutex
	entries []models.QueuedTask
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{}
}

func (m *memoryBackend) Push(_ context.Context, entry models.QueuedTask, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, entry)
	sort.SliceStable(m.entries, func(i, j int) bool {
		return m.entries[i].Before(m.entries[j])
	})
	return nil
}

func (m *memoryBackend) PopBest(_ context.Context, now time.Time) (*models.QueuedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, entry := range m.entries {
		if !entry.Eligible(now) {
			continue
		}
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
		cp := entry
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryBackend) Size(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *memoryBackend) Peek(_ context.Context, limit int) ([]models.QueuedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]models.QueuedTask, limit)
	copy(out, m.entries[:limit])
	return out, nil
}

func (m *memoryBackend) DrainAll(_ context.Context) ([]models.QueuedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.entries
	m.entries = nil
	return out, nil
}
