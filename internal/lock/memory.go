package lock

import (
	"context"
	"sync"
	"time"

	"github.com/repoflow/repoflow/pkg/models"
)

// memoryBackend is the process-local lease table. All state lives on the
// instance; expiry is applied lazily on read and eagerly by Sweep.
type memoryBackend struct {
	mu    sync.Mutex
	locks map[string]models.RepoLock
	now   func() time.Time
}

func newMemoryBackend(now func() time.Time) *memoryBackend {
	return &memoryBackend{
		locks: make(map[string]models.RepoLock),
		now:   now,
	}
}

func (m *memoryBackend) IsLocked(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return false, nil
	}
	if l.Expired(m.now()) {
		// An expired lease is absent; delete it opportunistically.
		delete(m.locks, key)
		return false, nil
	}
	return true, nil
}

func (m *memoryBackend) Acquire(_ context.Context, key, taskID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.locks[key]; ok && !existing.Expired(now) {
		return false, nil
	}
	m.locks[key] = models.RepoLock{
		Key:        key,
		HolderID:   taskID,
		AcquiredAt: now,
		TTL:        ttl,
	}
	return true, nil
}

func (m *memoryBackend) Release(_ context.Context, key, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[key]; ok && l.HolderID == taskID {
		delete(m.locks, key)
	}
	return nil
}

func (m *memoryBackend) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, l := range m.locks {
		if l.Expired(now) {
			delete(m.locks, key)
			removed++
		}
	}
	return removed, nil
}
