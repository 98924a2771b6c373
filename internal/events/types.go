package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	SubjectID() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicAgent     = "agent"
	TopicScheduler = "scheduler"
)

// Event type constants
const (
	EventTypeTaskSubmitted    = "task.submitted"
	EventTypeTaskBlocked      = "task.blocked"
	EventTypeTaskReady        = "task.ready"
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskFailed       = "task.failed"
	EventTypeTaskRetry        = "task.retry"
	EventTypeTaskCancelled    = "task.cancelled"
	EventTypeTaskValidation   = "task.validation"
	EventTypeAgentSpawned     = "agent.spawned"
	EventTypeAgentStale       = "agent.stale"
	EventTypeAgentTerminated  = "agent.terminated"
	EventTypeRecoveryComplete = "scheduler.recovery"
)

// TaskSubmittedEvent is published when a task is accepted by the queue.
type TaskSubmittedEvent struct {
	ID            string
	AgentType     string
	Prerequisites []string
	Timestamp     time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) SubjectID() string { return e.ID }

// TaskBlockedEvent is published when a task enters the blocked state.
type TaskBlockedEvent struct {
	ID        string
	Unmet     []string
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) SubjectID() string { return e.ID }

// TaskReadyEvent is published when a task becomes eligible to run.
type TaskReadyEvent struct {
	ID        string
	Priority  float64
	Timestamp time.Time
}

func (e TaskReadyEvent) EventType() string { return EventTypeTaskReady }
func (e TaskReadyEvent) SubjectID() string { return e.ID }

// TaskStartedEvent is published when a task is claimed for execution.
type TaskStartedEvent struct {
	ID        string
	AgentID   string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) SubjectID() string { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Unblocked []string // Dependents promoted to ready
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) SubjectID() string { return e.ID }

// TaskFailedEvent is published when a task fails, terminally or not.
type TaskFailedEvent struct {
	ID        string
	Err       string
	Terminal  bool
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) SubjectID() string { return e.ID }

// TaskRetryEvent is published when a failed task is requeued for retry.
type TaskRetryEvent struct {
	ID        string
	Attempt   int
	NextAt    time.Time
	Timestamp time.Time
}

func (e TaskRetryEvent) EventType() string { return EventTypeTaskRetry }
func (e TaskRetryEvent) SubjectID() string { return e.ID }

// TaskCancelledEvent is published when a queued task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	Stranded  []string // Dependents left blocked by the cancellation
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) SubjectID() string { return e.ID }

// TaskValidationEvent is published on validation transitions.
type TaskValidationEvent struct {
	ID        string
	Passed    bool
	Attempt   int
	Timestamp time.Time
}

func (e TaskValidationEvent) EventType() string { return EventTypeTaskValidation }
func (e TaskValidationEvent) SubjectID() string { return e.ID }

// AgentSpawnedEvent is published when the pool creates an agent.
type AgentSpawnedEvent struct {
	ID        string
	AgentType string
	Timestamp time.Time
}

func (e AgentSpawnedEvent) EventType() string { return EventTypeAgentSpawned }
func (e AgentSpawnedEvent) SubjectID() string { return e.ID }

// AgentStaleEvent is published when a health check marks an agent stale.
type AgentStaleEvent struct {
	ID            string
	LastHeartbeat time.Time
	Timestamp     time.Time
}

func (e AgentStaleEvent) EventType() string { return EventTypeAgentStale }
func (e AgentStaleEvent) SubjectID() string { return e.ID }

// AgentTerminatedEvent is published when an agent is destroyed.
type AgentTerminatedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e AgentTerminatedEvent) EventType() string { return EventTypeAgentTerminated }
func (e AgentTerminatedEvent) SubjectID() string { return e.ID }

// RecoveryCompleteEvent is published after startup reconciliation.
type RecoveryCompleteEvent struct {
	TasksReset       int
	AgentsTerminated int
	Timestamp        time.Time
}

func (e RecoveryCompleteEvent) EventType() string { return EventTypeRecoveryComplete }
func (e RecoveryCompleteEvent) SubjectID() string { return "" }
