package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/taskforge/taskforge/internal/task"
)

// runToValidation submits a validated task, claims it, and parks it in
// ValidationRunning.
func runToValidation(t *testing.T, s *Service, id string, prereqs ...string) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Submit(ctx, &task.Task{
		ID:                 id,
		Description:        "validated task " + id,
		BasePriority:       5,
		RequiresValidation: true,
	}, prereqs); err != nil {
		t.Fatalf("Submit(%s) error = %v", id, err)
	}
	mustDequeue(t, s, id)

	if err := s.MarkAwaitingValidation(ctx, id, "candidate output"); err != nil {
		t.Fatalf("MarkAwaitingValidation(%s) error = %v", id, err)
	}
	if err := s.StartValidation(ctx, id); err != nil {
		t.Fatalf("StartValidation(%s) error = %v", id, err)
	}
}

func TestPassValidationCompletesAndUnblocks(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	runToValidation(t, s, "v")
	submit(t, s, "dep", 5, "v")

	unblocked, err := s.PassValidation(ctx, "v", "validated output")
	if err != nil {
		t.Fatalf("PassValidation() error = %v", err)
	}
	if len(unblocked) != 1 || unblocked[0] != "dep" {
		t.Errorf("PassValidation() unblocked = %v, want [dep]", unblocked)
	}

	got, err := s.Get(ctx, "v")
	if err != nil {
		t.Fatalf("Get(v) error = %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want %s", got.Status, task.StatusCompleted)
	}
	if got.ResultData != "validated output" {
		t.Errorf("ResultData = %q, want validated output", got.ResultData)
	}
}

func TestFailValidationRemediates(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	runToValidation(t, s, "v") // MaxRemediations defaults to 3

	remediate, err := s.FailValidation(ctx, "v", errors.New("output rejected"))
	if err != nil {
		t.Fatalf("FailValidation() error = %v", err)
	}
	if !remediate {
		t.Fatal("FailValidation() remediate = false, want true on first attempt")
	}

	got, err := s.Get(ctx, "v")
	if err != nil {
		t.Fatalf("Get(v) error = %v", err)
	}
	if got.Status != task.StatusRunning {
		t.Errorf("status = %s, want %s (remediation attempt)", got.Status, task.StatusRunning)
	}
	if got.RemediationCount != 1 {
		t.Errorf("RemediationCount = %d, want 1", got.RemediationCount)
	}
}

func TestFailValidationExhaustsRemediations(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	reject := errors.New("output rejected")

	runToValidation(t, s, "v")

	// Remediation attempts 1 and 2 re-run the task
	for attempt := 1; attempt <= 2; attempt++ {
		remediate, err := s.FailValidation(ctx, "v", reject)
		if err != nil {
			t.Fatalf("FailValidation() attempt %d error = %v", attempt, err)
		}
		if !remediate {
			t.Fatalf("FailValidation() attempt %d remediate = false", attempt)
		}

		// The re-execution produces output and returns to validation
		if err := s.MarkAwaitingValidation(ctx, "v", "retry output"); err != nil {
			t.Fatalf("MarkAwaitingValidation() attempt %d error = %v", attempt, err)
		}
		if err := s.StartValidation(ctx, "v"); err != nil {
			t.Fatalf("StartValidation() attempt %d error = %v", attempt, err)
		}
	}

	// Third rejection exhausts the remediation budget
	remediate, err := s.FailValidation(ctx, "v", reject)
	if err != nil {
		t.Fatalf("FailValidation() final error = %v", err)
	}
	if remediate {
		t.Fatal("FailValidation() final remediate = true, want terminal")
	}

	got, err := s.Get(ctx, "v")
	if err != nil {
		t.Fatalf("Get(v) error = %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Errorf("status = %s, want %s", got.Status, task.StatusFailed)
	}
	if got.RemediationCount != 3 {
		t.Errorf("RemediationCount = %d, want 3", got.RemediationCount)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped on terminal validation failure")
	}
}

func TestMarkAwaitingValidationRequiresRunning(t *testing.T) {
	s, _ := newTestService(t)

	submit(t, s, "a", 5) // Ready, never dequeued

	err := s.MarkAwaitingValidation(context.Background(), "a", "output")
	var transErr *task.InvalidStateTransitionError
	if !errors.As(err, &transErr) {
		t.Fatalf("MarkAwaitingValidation() error = %v, want InvalidStateTransitionError", err)
	}
}
