package scheduler

import (
	"time"
)

// Priority orders tasks for dispatch. Higher priorities dispatch first;
// within a tier, submission order wins. Priority never preempts
// in-flight work.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its value.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "medium", "":
		return PriorityMedium, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	default:
		return PriorityLow, false
	}
}

// Status represents the current state of a task.
//
// Transitions: pending -> running -> {completed, failed}, plus
// pending -> failed via cancellation. Status never moves backwards.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

// String returns the human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is a unit of work submitted to the scheduler.
type Task struct {
	ID                string
	Type              string
	Description       string
	Priority          Priority
	Status            Status
	Dependencies      []string
	EstimatedDuration time.Duration
	AssignedAgent     string
	Result            any
	Err               string
	CreatedAt         time.Time
	StartedAt         time.Time
	CompletedAt       time.Time

	// seq is the admission order, used for FIFO tie-breaking within a
	// priority tier.
	seq uint64
}

// TaskSpec is the submission form for a task.
type TaskSpec struct {
	// Key is a caller-local identifier used only by SubmitBatch so
	// specs in one batch can depend on each other before ids exist.
	Key string

	Type              string
	Description       string
	Priority          Priority
	Dependencies      []string
	EstimatedDuration time.Duration
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return &cp
}
