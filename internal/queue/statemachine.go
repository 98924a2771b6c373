package queue

import (
	"github.com/taskforge/taskforge/internal/task"
)

// transitions lists every allowed state change. Anything absent is
// rejected with an InvalidStateTransitionError.
var transitions = map[task.Status][]task.Status{
	task.StatusPending: {
		task.StatusReady,
		task.StatusBlocked,
		task.StatusCancelled,
	},
	task.StatusBlocked: {
		task.StatusReady,
		task.StatusCancelled,
	},
	task.StatusReady: {
		task.StatusRunning,
		task.StatusCancelled,
	},
	task.StatusRunning: {
		task.StatusCompleted,
		task.StatusAwaitingValidation,
		task.StatusFailed,
	},
	task.StatusAwaitingValidation: {
		task.StatusValidationRunning,
	},
	task.StatusValidationRunning: {
		task.StatusCompleted,
		task.StatusValidationFailed,
	},
	task.StatusValidationFailed: {
		task.StatusRunning, // Bounded remediation attempt
		task.StatusFailed,
	},
	task.StatusFailed: {
		task.StatusPending, // Retry, bounded by MaxRetries
	},
	// Completed and Cancelled are terminal
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to task.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition returns a typed error when from -> to is not allowed.
func checkTransition(taskID string, from, to task.Status) error {
	if !CanTransition(from, to) {
		return &task.InvalidStateTransitionError{TaskID: taskID, From: from, To: to}
	}
	return nil
}
