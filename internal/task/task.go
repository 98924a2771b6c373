package task

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task in its lifecycle.
type Status string

const (
	StatusPending           Status = "pending"            // Submitted, eligibility not yet determined
	StatusBlocked           Status = "blocked"            // Waiting on unresolved prerequisites
	StatusReady             Status = "ready"              // All prerequisites resolved, dequeueable
	StatusRunning           Status = "running"            // Assigned to an agent and executing
	StatusAwaitingValidation Status = "awaiting_validation" // Execution done, validation not started
	StatusValidationRunning Status = "validation_running" // Validation executing
	StatusValidationFailed  Status = "validation_failed"  // Validation rejected the result
	StatusCompleted         Status = "completed"          // Finished successfully (terminal)
	StatusFailed            Status = "failed"             // Failed; terminal once retries are exhausted
	StatusCancelled         Status = "cancelled"          // User-cancelled before execution (terminal)
)

// Source identifies where a task came from. Human submissions outrank
// planner output, which outranks tasks generated by downstream stages.
type Source string

const (
	SourceHuman     Source = "human"
	SourcePlanner   Source = "planner"
	SourceGenerated Source = "generated"
)

// Rank returns the provenance rank used by the priority calculator.
// Higher ranks score higher.
func (s Source) Rank() int {
	switch s {
	case SourceHuman:
		return 2
	case SourcePlanner:
		return 1
	default:
		return 0
	}
}

// DependencyType documents the intent of a prerequisite relationship.
// Both types require every listed prerequisite to complete; the distinction
// carries no evaluation rule of its own.
type DependencyType string

const (
	DependencySequential DependencyType = "sequential"
	DependencyParallel   DependencyType = "parallel"
)

// Task represents a unit of work in the scheduler.
type Task struct {
	ID                 string         `json:"id"`
	Description        string         `json:"description"`
	AgentType          string         `json:"agent_type"` // Capability tag matched against agents
	Status             Status         `json:"status"`
	BasePriority       int            `json:"base_priority"`       // 0..10, clamped at submission
	CalculatedPriority float64        `json:"calculated_priority"` // Recomputed by the priority calculator
	Source             Source         `json:"source"`
	ParentID           string         `json:"parent_id,omitempty"` // Optional hierarchical parent, informational only
	DependencyType     DependencyType `json:"dependency_type"`
	Deadline           *time.Time     `json:"deadline,omitempty"`
	RetryCount         int            `json:"retry_count"`
	MaxRetries         int            `json:"max_retries"`
	RemediationCount   int            `json:"remediation_count"`
	MaxRemediations    int            `json:"max_remediations"`
	RequiresValidation bool           `json:"requires_validation"`
	SubmittedAt        time.Time      `json:"submitted_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	ResultData         string         `json:"result_data,omitempty"`
}

// Edge is a prerequisite relation: Dependent cannot become ready until
// Prerequisite completes. ResolvedAt is nil while unresolved.
type Edge struct {
	DependentID    string
	PrerequisiteID string
	DependencyType DependencyType
	ResolvedAt     *time.Time
}

// Resolved reports whether the prerequisite has completed.
func (e Edge) Resolved() bool {
	return e.ResolvedAt != nil
}

// AgentState represents the lifecycle state of a worker agent.
type AgentState string

const (
	AgentIdle       AgentState = "idle"
	AgentBusy       AgentState = "busy"
	AgentStale      AgentState = "stale"
	AgentTerminated AgentState = "terminated"
)

// Agent is a worker slot managed by the pool.
type Agent struct {
	ID            string
	AgentType     string
	State         AgentState
	TaskID        string // Currently assigned task, empty when idle
	LastHeartbeat time.Time
	SpawnedAt     time.Time
}

// Terminal reports whether a status admits no further transitions.
// Failed is terminal only once retries are exhausted, which the queue
// service decides; a stored Failed status is always terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Succeeded reports whether a status counts as success for dependency
// resolution purposes.
func (s Status) Succeeded() bool {
	return s == StatusCompleted
}

// NewID mints a unique task or agent identifier.
func NewID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Deadline != nil {
		d := *t.Deadline
		cp.Deadline = &d
	}
	if t.StartedAt != nil {
		d := *t.StartedAt
		cp.StartedAt = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		cp.CompletedAt = &d
	}
	return &cp
}
