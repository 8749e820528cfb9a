package observability

import (
	"fmt"
	"time"
)

// Metrics holds calculated metrics derived from the event log.
type Metrics struct {
	TasksSubmitted      int            `json:"tasks_submitted"`
	TasksCompleted      int            `json:"tasks_completed"`
	TasksFailed         int            `json:"tasks_failed"`
	TasksByStatus       map[string]int `json:"tasks_by_status"`
	LockContentions     int            `json:"lock_contentions"`
	BackendDegradations int            `json:"backend_degradations"`
	WorkspacesCloned    int            `json:"workspaces_cloned"`
	WorkspacesRefreshed int            `json:"workspaces_refreshed"`
	WorkspacesEvicted   int            `json:"workspaces_evicted"`
	EventCount          int            `json:"event_count"`
	OldestEvent         *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent         *time.Time     `json:"newest_event,omitempty"`
}

// MetricsCalculator derives metrics from the event log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*Metrics, error)
}

// metricsCalculator implements MetricsCalculator by reading from an EventLog.
type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a new MetricsCalculator that reads from the given EventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

// Calculate reads all events since the given time and aggregates them into metrics.
func (mc *metricsCalculator) Calculate(since time.Time) (*Metrics, error) {
	events, err := mc.eventLog.Read(EventFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := &Metrics{
		TasksByStatus: make(map[string]int),
	}

	m.EventCount = len(events)

	for i, event := range events {
		if i == 0 {
			t := event.Time
			m.OldestEvent = &t
		}
		t := event.Time
		m.NewestEvent = &t

		switch event.Type {
		case EventTaskSubmitted:
			m.TasksSubmitted++
		case EventTaskCompleted:
			m.TasksCompleted++
		case EventTaskFailed:
			m.TasksFailed++
		case EventTaskStatusChanged:
			if status, ok := event.Data["new_status"].(string); ok {
				m.TasksByStatus[status]++
			}
		case EventLockContended:
			m.LockContentions++
		case EventBackendDegraded:
			m.BackendDegradations++
		case EventWorkspaceCloned:
			m.WorkspacesCloned++
		case EventWorkspaceRefreshed:
			m.WorkspacesRefreshed++
		case EventWorkspaceEvicted:
			m.WorkspacesEvicted++
		}
	}

	return m, nil
}
