package queue

import (
	"context"
	"time"

	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/task"
)

// MarkAwaitingValidation parks a running task that requires validation
// until a validator picks it up.
func (s *Service) MarkAwaitingValidation(ctx context.Context, taskID string, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := checkTransition(t.ID, t.Status, task.StatusAwaitingValidation); err != nil {
		return err
	}

	t.Status = task.StatusAwaitingValidation
	t.ResultData = result
	return s.store.UpdateTask(ctx, t)
}

// StartValidation transitions a parked task into validation.
func (s *Service) StartValidation(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := checkTransition(t.ID, t.Status, task.StatusValidationRunning); err != nil {
		return err
	}

	t.Status = task.StatusValidationRunning
	return s.store.UpdateTask(ctx, t)
}

// PassValidation completes a task whose validation succeeded, resolving
// edges and promoting dependents like any other completion.
func (s *Service) PassValidation(ctx context.Context, taskID string, result string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unblocked, err := s.completeLocked(ctx, taskID, result)
	if err != nil {
		return nil, err
	}

	t, getErr := s.store.GetTask(ctx, taskID)
	if getErr == nil {
		s.bus.Publish(events.TopicTask, events.TaskValidationEvent{
			ID: taskID, Passed: true, Attempt: t.RemediationCount, Timestamp: time.Now().UTC(),
		})
	}
	return unblocked, nil
}

// FailValidation records a failed validation. Under the remediation limit
// the task returns to Running for another execution attempt; otherwise it
// is terminally failed. Returns true when a remediation attempt follows.
func (s *Service) FailValidation(ctx context.Context, taskID string, failure error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if err := checkTransition(t.ID, t.Status, task.StatusValidationFailed); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	t.RemediationCount++
	if failure != nil {
		t.ErrorMessage = failure.Error()
	}

	remediate := t.RemediationCount < t.MaxRemediations
	if remediate {
		// ValidationFailed -> Running: remediation attempt
		t.Status = task.StatusRunning
	} else {
		t.Status = task.StatusFailed
		t.CompletedAt = &now
	}

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return false, err
	}

	s.bus.Publish(events.TopicTask, events.TaskValidationEvent{
		ID: taskID, Passed: false, Attempt: t.RemediationCount, Timestamp: now,
	})
	if !remediate {
		s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID: taskID, Err: t.ErrorMessage, Terminal: true, Timestamp: now,
		})
	}

	return remediate, nil
}
