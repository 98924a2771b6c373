// Package exec defines the worker-execution collaborator consumed by the
// dispatcher. Concrete payload execution lives outside the scheduler core;
// implementations run a task's payload and eventually report success,
// failure, or timeout.
package exec

import (
	"context"

	"github.com/taskforge/taskforge/internal/task"
)

// Result is the outcome of executing or validating a task payload.
type Result struct {
	Output string
}

// Executor runs task payloads. Execute blocks until the payload finishes
// or ctx is done; the dispatcher enforces the per-task timeout through
// ctx. Validate checks a completed payload's result for tasks that
// require validation.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (Result, error)
	Validate(ctx context.Context, t *task.Task) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface with a no-op
// validation that accepts every result.
type ExecutorFunc func(ctx context.Context, t *task.Task) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) (Result, error) {
	return f(ctx, t)
}

func (f ExecutorFunc) Validate(ctx context.Context, t *task.Task) (Result, error) {
	return Result{Output: t.ResultData}, nil
}
