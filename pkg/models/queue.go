package models

import "time"

// QueuedTask is a pending-work entry held by the task queue. It exists only
// between enqueue and a successful (locked) dequeue.
type QueuedTask struct {
	TaskID     string    `json:"task_id"`
	RepoURL    string    `json:"repo_url"`
	Payload    string    `json:"payload,omitempty"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore delays re-dispatch of an entry that was returned to the
	// queue because its repository was locked. Zero means immediately
	// eligible.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Eligible reports whether the entry may be dequeued at the given instant.
func (q QueuedTask) Eligible(now time.Time) bool {
	return q.NotBefore.IsZero() || !now.Before(q.NotBefore)
}

// Before reports whether this entry is dispatched ahead of other: higher
// priority first, then earlier enqueue time (FIFO within a priority band).
func (q QueuedTask) Before(other QueuedTask) bool {
	if q.Priority != other.Priority {
		return q.Priority > other.Priority
	}
	return q.EnqueuedAt.Before(other.EnqueuedAt)
}
