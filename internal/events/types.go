package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeTaskReady      = "task.ready"
	EventTypeTaskAssigned   = "task.assigned"
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskRevision   = "task.revision"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskBlocked    = "task.blocked"
	EventTypeRoundCompleted = "run.round"
)

// TaskReadyEvent is published when every dependency of a task is accepted.
type TaskReadyEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskReadyEvent) EventType() string { return EventTypeTaskReady }
func (e TaskReadyEvent) TaskID() string    { return e.ID }

// TaskAssignedEvent is published when a worker slot is reserved for a task.
type TaskAssignedEvent struct {
	ID        string
	WorkerID  string
	Timestamp time.Time
}

func (e TaskAssignedEvent) EventType() string { return EventTypeTaskAssigned }
func (e TaskAssignedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published before each Solver attempt.
type TaskStartedEvent struct {
	ID          string
	Description string
	WorkerID    string
	Attempt     int
	Timestamp   time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskRevisionEvent is published when a result needs its single revision.
type TaskRevisionEvent struct {
	ID        string
	Score     int
	Feedback  string
	Timestamp time.Time
}

func (e TaskRevisionEvent) EventType() string { return EventTypeTaskRevision }
func (e TaskRevisionEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task is accepted.
type TaskCompletedEvent struct {
	ID        string
	WorkerID  string
	Score     int
	Solution  string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task reaches FAILED.
type TaskFailedEvent struct {
	ID        string
	WorkerID  string
	Kind      string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskBlockedEvent is published when a failed ancestor blocks a task.
type TaskBlockedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// RoundCompletedEvent is published at the end of every dispatch round.
type RoundCompletedEvent struct {
	RunID     string
	Round     int
	Total     int
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int
	Blocked   int
	Timestamp time.Time
}

func (e RoundCompletedEvent) EventType() string { return EventTypeRoundCompleted }
func (e RoundCompletedEvent) TaskID() string    { return "" }
