package queue

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/graph"
	"github.com/taskforge/taskforge/internal/priority"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
)

// FailOutcome describes what happened to a failed task.
type FailOutcome struct {
	Terminal   bool // Retries exhausted, task is terminally failed
	RetryCount int
}

// Service owns task lifecycle transitions, dependency-gated eligibility,
// and priority-ordered dequeue. All mutating operations run under a single
// mutex so concurrent callers cannot claim the same task or observe a
// half-applied transition.
type Service struct {
	mu       sync.Mutex
	store    store.Store
	resolver *graph.Resolver
	calc     *priority.Calculator
	bus      *events.Bus
	defaults config.TaskDefaults
}

// NewService creates a task queue service.
func NewService(s store.Store, r *graph.Resolver, c *priority.Calculator, bus *events.Bus, defaults config.TaskDefaults) *Service {
	return &Service{
		store:    s,
		resolver: r,
		calc:     c,
		bus:      bus,
		defaults: defaults,
	}
}

// Submit validates a task's prerequisites, computes its initial status and
// priority, and persists it atomically with its dependency edges. Returns
// CircularDependencyError or PrerequisiteNotFoundError on bad input.
func (s *Service) Submit(ctx context.Context, t *task.Task, prerequisiteIDs []string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.applyDefaults(t, now)

	// Verify prerequisites exist before running cycle detection so the
	// caller gets the more specific error.
	for _, p := range prerequisiteIDs {
		if p == t.ID {
			return nil, &task.CircularDependencyError{Path: []string{t.ID, t.ID}}
		}
		if _, err := s.store.GetTask(ctx, p); err != nil {
			return nil, &task.PrerequisiteNotFoundError{TaskID: t.ID, PrerequisiteID: p}
		}
	}

	if err := s.resolver.ValidateAndRegister(ctx, t.ID, prerequisiteIDs); err != nil {
		return nil, err
	}

	unmet, err := s.resolver.UnmetPrerequisites(ctx, prerequisiteIDs)
	if err != nil {
		return nil, err
	}

	edges := make([]task.Edge, 0, len(prerequisiteIDs))
	for _, p := range prerequisiteIDs {
		e := task.Edge{DependentID: t.ID, PrerequisiteID: p, DependencyType: t.DependencyType}
		if !unmet[p] {
			// Prerequisite already completed; the edge is born resolved
			resolvedAt := now
			e.ResolvedAt = &resolvedAt
		}
		edges = append(edges, e)
	}

	if len(unmet) == 0 {
		t.Status = task.StatusReady
	} else {
		t.Status = task.StatusBlocked
	}

	// Depth of a new task is one past its deepest unresolved prerequisite
	depth := 0
	for p := range unmet {
		d, err := s.resolver.DependencyDepth(ctx, p)
		if err != nil {
			return nil, err
		}
		if d+1 > depth {
			depth = d + 1
		}
	}
	t.CalculatedPriority = s.calc.Calculate(t, depth, 0, now)

	if err := s.store.InsertTaskWithEdges(ctx, t, edges); err != nil {
		return nil, err
	}
	s.resolver.Invalidate()

	s.bus.Publish(events.TopicTask, events.TaskSubmittedEvent{
		ID: t.ID, AgentType: t.AgentType, Prerequisites: prerequisiteIDs, Timestamp: now,
	})
	if t.Status == task.StatusBlocked {
		unmetIDs := make([]string, 0, len(unmet))
		for p := range unmet {
			unmetIDs = append(unmetIDs, p)
		}
		s.bus.Publish(events.TopicTask, events.TaskBlockedEvent{ID: t.ID, Unmet: unmetIDs, Timestamp: now})
	} else {
		s.bus.Publish(events.TopicTask, events.TaskReadyEvent{ID: t.ID, Priority: t.CalculatedPriority, Timestamp: now})
	}

	return t.Clone(), nil
}

func (s *Service) applyDefaults(t *task.Task, now time.Time) {
	if t.ID == "" {
		t.ID = task.NewID()
	}
	if t.Source == "" {
		t.Source = task.SourceHuman
	}
	if t.DependencyType == "" {
		t.DependencyType = task.DependencySequential
	}
	if t.AgentType == "" {
		t.AgentType = "general"
	}
	// Zero selects the configured budget; negative submits with none.
	switch {
	case t.MaxRetries == 0:
		t.MaxRetries = s.defaults.MaxRetries
	case t.MaxRetries < 0:
		t.MaxRetries = 0
	}
	switch {
	case t.MaxRemediations == 0:
		t.MaxRemediations = s.defaults.MaxRemediations
	case t.MaxRemediations < 0:
		t.MaxRemediations = 0
	}
	if t.BasePriority < 0 {
		t.BasePriority = 0
	}
	if t.BasePriority > 10 {
		t.BasePriority = 10
	}
	t.Status = task.StatusPending
	t.SubmittedAt = now
}

// DequeueNextReady atomically claims the ready task with the highest
// calculated priority, ties broken by earliest submission. Returns nil
// when no task is ready. The claimed task is transitioned to Running.
func (s *Service) DequeueNextReady(ctx context.Context) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready, err := s.store.ListByStatus(ctx, task.StatusReady)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}

	best := ready[0]
	for _, t := range ready[1:] {
		if t.CalculatedPriority > best.CalculatedPriority {
			best = t
			continue
		}
		if t.CalculatedPriority == best.CalculatedPriority && t.SubmittedAt.Before(best.SubmittedAt) {
			best = t
		}
	}

	if err := checkTransition(best.ID, best.Status, task.StatusRunning); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	best.Status = task.StatusRunning
	best.StartedAt = &now
	if err := s.store.UpdateTask(ctx, best); err != nil {
		return nil, err
	}

	return best.Clone(), nil
}

// Complete marks a task completed, resolves its outgoing edges, and
// promotes any dependent whose prerequisites are now all resolved.
// Returns the ids of newly ready dependents.
func (s *Service) Complete(ctx context.Context, taskID string, result string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked(ctx, taskID, result)
}

func (s *Service) completeLocked(ctx context.Context, taskID string, result string) ([]string, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(t.ID, t.Status, task.StatusCompleted); err != nil {
		return nil, err
	}

	// Capture direct dependents before the edges are resolved away
	dependents, err := s.resolver.Dependents(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	t.ResultData = result
	// One transaction: a crash must not separate the completed task from
	// its resolved out-edges.
	if err := s.store.CompleteTask(ctx, t, now); err != nil {
		return nil, err
	}
	s.resolver.Invalidate()

	var unblocked []string
	for _, depID := range dependents {
		readied, err := s.reevaluateLocked(ctx, depID, now)
		if err != nil {
			return unblocked, err
		}
		if readied {
			unblocked = append(unblocked, depID)
		}
	}

	var started time.Time
	if t.StartedAt != nil {
		started = *t.StartedAt
	}
	s.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
		ID: taskID, Unblocked: unblocked, Duration: now.Sub(started), Timestamp: now,
	})

	return unblocked, nil
}

// reevaluateLocked recomputes a dependent's eligibility and priority after
// one of its prerequisites resolved. Returns true if it became ready.
func (s *Service) reevaluateLocked(ctx context.Context, taskID string, now time.Time) (bool, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.Status != task.StatusBlocked {
		// Ready tasks never revert; terminal tasks stay put
		return false, nil
	}

	met, err := s.resolver.AllDependenciesMet(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !met {
		return false, nil
	}

	depth, err := s.resolver.DependencyDepth(ctx, taskID)
	if err != nil {
		return false, err
	}
	blocked, err := s.resolver.BlockedDependentCount(ctx, taskID)
	if err != nil {
		return false, err
	}

	t.Status = task.StatusReady
	t.CalculatedPriority = s.calc.Calculate(t, depth, blocked, now)
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return false, err
	}

	s.bus.Publish(events.TopicTask, events.TaskReadyEvent{ID: taskID, Priority: t.CalculatedPriority, Timestamp: now})
	return true, nil
}

// Fail records an execution failure. Under the retry limit the task is
// reset to Pending for the dispatcher's retry queue; otherwise it is
// terminally failed. Outgoing edges are never resolved by failure, so
// dependents stay blocked.
func (s *Service) Fail(ctx context.Context, taskID string, failure error) (*FailOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(t.ID, t.Status, task.StatusFailed); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t.RetryCount++
	if failure != nil {
		t.ErrorMessage = failure.Error()
	}

	outcome := &FailOutcome{RetryCount: t.RetryCount}
	if t.RetryCount < t.MaxRetries {
		// Failed -> Pending: held out of dequeue until PromoteRetry
		t.Status = task.StatusPending
	} else {
		outcome.Terminal = true
		t.Status = task.StatusFailed
		t.CompletedAt = &now
	}

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
		ID: taskID, Err: t.ErrorMessage, Terminal: outcome.Terminal, Timestamp: now,
	})

	return outcome, nil
}

// PromoteRetry moves a pending retry back into the schedulable states once
// its backoff has elapsed: Ready if all prerequisites are resolved, else
// Blocked.
func (s *Service) PromoteRetry(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPending {
		return nil // Cancelled or otherwise moved while waiting
	}

	met, err := s.resolver.AllDependenciesMet(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if met {
		t.Status = task.StatusReady
	} else {
		t.Status = task.StatusBlocked
	}

	depth, err := s.resolver.DependencyDepth(ctx, taskID)
	if err != nil {
		return err
	}
	blocked, err := s.resolver.BlockedDependentCount(ctx, taskID)
	if err != nil {
		return err
	}
	t.CalculatedPriority = s.calc.Calculate(t, depth, blocked, now)

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return err
	}

	s.bus.Publish(events.TopicTask, events.TaskRetryEvent{ID: taskID, Attempt: t.RetryCount, NextAt: now, Timestamp: now})
	if t.Status == task.StatusReady {
		s.bus.Publish(events.TopicTask, events.TaskReadyEvent{ID: taskID, Priority: t.CalculatedPriority, Timestamp: now})
	}
	return nil
}

// Cancel cancels a queued task. Only Pending, Blocked, and Ready tasks can
// be cancelled; Running and terminal tasks are rejected. Cancellation does
// not cascade: dependents of a cancelled task remain blocked indefinitely.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := checkTransition(t.ID, t.Status, task.StatusCancelled); err != nil {
		return err
	}

	stranded, err := s.resolver.Dependents(ctx, taskID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	t.Status = task.StatusCancelled
	t.CompletedAt = &now
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return err
	}

	if len(stranded) > 0 {
		log.Printf("WARNING: cancelling task %q leaves %d dependent(s) blocked: %v", taskID, len(stranded), stranded)
	}

	s.bus.Publish(events.TopicTask, events.TaskCancelledEvent{ID: taskID, Stranded: stranded, Timestamp: now})
	return nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// List returns all tasks in the given statuses.
func (s *Service) List(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	return s.store.ListByStatus(ctx, statuses...)
}

// ExecutionPlan returns every active task ordered so prerequisites precede
// their dependents. Tasks with no unresolved prerequisites come first,
// highest calculated priority leading.
func (s *Service) ExecutionPlan(ctx context.Context) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	order, err := s.resolver.CachedOrder(ctx)
	if err != nil {
		return nil, err
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i + 1
	}

	sort.SliceStable(active, func(i, j int) bool {
		pi, pj := pos[active[i].ID], pos[active[j].ID]
		if pi != pj {
			return pi < pj
		}
		return active[i].CalculatedPriority > active[j].CalculatedPriority
	})

	return active, nil
}

// RecalculateAll refreshes the calculated priority of every non-terminal
// task. Run periodically so starvation and urgency boosts take effect.
func (s *Service) RecalculateAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, t := range active {
		depth, err := s.resolver.DependencyDepth(ctx, t.ID)
		if err != nil {
			return err
		}
		blocked, err := s.resolver.BlockedDependentCount(ctx, t.ID)
		if err != nil {
			return err
		}

		score := s.calc.Calculate(t, depth, blocked, now)
		if score == t.CalculatedPriority {
			continue
		}
		t.CalculatedPriority = score
		if err := s.store.UpdateTask(ctx, t); err != nil {
			return err
		}
	}

	return nil
}

// StatusCounts returns the number of tasks in each lifecycle state.
func (s *Service) StatusCounts(ctx context.Context) (map[task.Status]int, error) {
	all := []task.Status{
		task.StatusPending, task.StatusBlocked, task.StatusReady, task.StatusRunning,
		task.StatusAwaitingValidation, task.StatusValidationRunning, task.StatusValidationFailed,
		task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
	}

	counts := make(map[task.Status]int, len(all))
	for _, st := range all {
		tasks, err := s.store.ListByStatus(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("counting %s tasks: %w", st, err)
		}
		counts[st] = len(tasks)
	}
	return counts, nil
}
