package models

import "time"

// RepoLock is a TTL-bounded exclusive lease on a normalized repository URL.
// At most one live (non-expired) lock exists per key at any time.
type RepoLock struct {
	Key        string        `json:"key"`
	HolderID   string        `json:"holder_id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the lease has outlived its TTL at the given instant.
func (l RepoLock) Expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) > l.TTL
}
