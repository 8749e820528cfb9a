package models

import "time"

// TaskStatus represents the current lifecycle state of a task.
//
// The lifecycle is linear: pending → planning → pr-created → implementing,
// ending in completed or failed. Terminal records are immutable.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusPlanning     TaskStatus = "planning"
	StatusPRCreated    TaskStatus = "pr-created"
	StatusImplementing TaskStatus = "implementing"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is one of the known lifecycle states.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusPRCreated, StatusImplementing,
		StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// TaskRecord is the durable status record for a submitted task, keyed by ID.
// It is created when the task is submitted, mutated by the scheduler while the
// task is processed, and frozen once it reaches a terminal status.
type TaskRecord struct {
	ID        string     `yaml:"id" json:"id"`
	RepoURL   string     `yaml:"repo_url" json:"repo_url"`
	Status    TaskStatus `yaml:"status" json:"status"`
	Progress  string     `yaml:"progress,omitempty" json:"progress,omitempty"`
	Error     string     `yaml:"error,omitempty" json:"error,omitempty"`
	Branch    string     `yaml:"branch,omitempty" json:"branch,omitempty"`
	PRRef     string     `yaml:"pr_ref,omitempty" json:"pr_ref,omitempty"`
	StartedAt time.Time  `yaml:"started_at" json:"started_at"`
	EndedAt   *time.Time `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// StatusUpdate is a partial mutation applied to a TaskRecord. Nil fields are
// left untouched.
type StatusUpdate struct {
	Status   *TaskStatus
	Progress *string
	Error    *string
	Branch   *string
	PRRef    *string
	EndedAt  *time.Time
}

// Apply copies the non-nil fields of the update onto the record.
func (u StatusUpdate) Apply(r *TaskRecord) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Progress != nil {
		r.Progress = *u.Progress
	}
	if u.Error != nil {
		r.Error = *u.Error
	}
	if u.Branch != nil {
		r.Branch = *u.Branch
	}
	if u.PRRef != nil {
		r.PRRef = *u.PRRef
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		r.EndedAt = &t
	}
}
