package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTaskNotFound is returned when a task id does not exist in the store.
var ErrTaskNotFound = errors.New("task not found")

// ErrAgentNotFound is returned when an agent id does not exist.
var ErrAgentNotFound = errors.New("agent not found")

// ErrNoIdleAgent is returned when the pool has no agent available for a task.
var ErrNoIdleAgent = errors.New("no idle agent available")

// CircularDependencyError is returned when registering a task's
// prerequisites would create a cycle. Path holds the offending cycle,
// starting and ending at the same task id.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// PrerequisiteNotFoundError is returned when a submitted task references
// a prerequisite id that does not exist.
type PrerequisiteNotFoundError struct {
	TaskID         string
	PrerequisiteID string
}

func (e *PrerequisiteNotFoundError) Error() string {
	return fmt.Sprintf("task %q references non-existent prerequisite %q", e.TaskID, e.PrerequisiteID)
}

// InvalidStateTransitionError is returned when an operation would move a
// task along a transition the state machine does not allow.
type InvalidStateTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("task %q: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// ExecutionTimeoutError is returned when a task's payload exceeds its
// execution budget. It is a retryable failure.
type ExecutionTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("task %q exceeded execution timeout of %s", e.TaskID, e.Timeout)
}
