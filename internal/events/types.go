package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicBreaker = "breaker"
)

// Event type constants
const (
	EventTypeTaskSubmitted  = "task.submitted"
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskCancelled  = "task.cancelled"
	EventTypeBreakerChanged = "breaker.state_changed"
)

// TaskSubmittedEvent is published when a task is admitted to the queue.
type TaskSubmittedEvent struct {
	ID        string
	Type      string
	Priority  string
	Timestamp time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }

// TaskStartedEvent is published when a task is assigned to an agent and
// begins execution.
type TaskStartedEvent struct {
	ID        string
	Type      string
	AgentID   string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	AgentID   string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	AgentID   string
	Err       string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }

// TaskCancelledEvent is published when a pending task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }

// BreakerStateChangedEvent is published on every breaker transition.
type BreakerStateChangedEvent struct {
	Name      string
	From      string
	To        string
	Timestamp time.Time
}

func (e BreakerStateChangedEvent) EventType() string { return EventTypeBreakerChanged }
