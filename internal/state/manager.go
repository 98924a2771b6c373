// Package state reconciles runtime state with the durable store: crash
// recovery at startup and periodic counter snapshots while running.
package state

import (
	"context"
	"log"
	"time"

	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/graph"
	"github.com/taskforge/taskforge/internal/pool"
	"github.com/taskforge/taskforge/internal/queue"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
)

// Manager performs startup recovery and periodic state snapshots.
type Manager struct {
	store            store.Store
	queue            *queue.Service
	resolver         *graph.Resolver
	pool             *pool.Pool
	bus              *events.Bus
	staleness        time.Duration
	snapshotInterval time.Duration
}

// NewManager creates a state manager. staleness is the age past which a
// persisted agent record is treated as a leftover from a dead process.
func NewManager(s store.Store, q *queue.Service, r *graph.Resolver, p *pool.Pool, bus *events.Bus, staleness, snapshotInterval time.Duration) *Manager {
	if staleness <= 0 {
		staleness = 2 * time.Minute
	}
	if snapshotInterval <= 0 {
		snapshotInterval = time.Minute
	}
	return &Manager{
		store:            s,
		queue:            q,
		resolver:         r,
		pool:             p,
		bus:              bus,
		staleness:        staleness,
		snapshotInterval: snapshotInterval,
	}
}

// Recover reconciles the store after a restart. Tasks found mid-execution
// are treated as interrupted, not failed: they return to Ready (or Blocked
// if their prerequisites are somehow unmet). Pending retries whose backoff
// died with the previous process re-enter the schedulable states the same
// way. Agent records past the staleness threshold are removed. Safe to run
// any number of times.
//
// Recovery writes statuses directly: the interrupted states it repairs are
// exactly the ones the state machine has no inbound edge for.
func (m *Manager) Recover(ctx context.Context) error {
	now := time.Now().UTC()

	// Resolve edges whose prerequisite already completed. Completion
	// resolves its out-edges in the same transaction, but a database
	// written by an older build can still carry the half-state.
	edges, err := m.store.ListUnresolvedEdges(ctx)
	if err != nil {
		return err
	}
	repaired := 0
	checked := make(map[string]bool)
	for _, e := range edges {
		if checked[e.PrerequisiteID] {
			continue
		}
		checked[e.PrerequisiteID] = true
		prereq, err := m.store.GetTask(ctx, e.PrerequisiteID)
		if err != nil {
			return err
		}
		if !prereq.Status.Succeeded() {
			continue
		}
		if err := m.store.MarkEdgesResolved(ctx, e.PrerequisiteID, now); err != nil {
			return err
		}
		repaired++
	}
	if repaired > 0 {
		m.resolver.Invalidate()
		log.Printf("WARNING: resolved dangling out-edges of %d completed task(s)", repaired)
	}

	interrupted, err := m.store.ListByStatus(ctx, task.StatusRunning, task.StatusValidationRunning, task.StatusAwaitingValidation)
	if err != nil {
		return err
	}

	reset := 0
	for _, t := range interrupted {
		met, err := m.resolver.AllDependenciesMet(ctx, t.ID)
		if err != nil {
			return err
		}

		if met {
			t.Status = task.StatusReady
		} else {
			t.Status = task.StatusBlocked
		}
		t.StartedAt = nil
		if err := m.store.UpdateTask(ctx, t); err != nil {
			return err
		}
		reset++
		log.Printf("WARNING: task %q was interrupted, reset to %s", t.ID, t.Status)
	}

	// Pending tasks were waiting on the previous process's in-memory
	// retry backoff. That queue is gone, so they go straight back to the
	// schedulable states.
	pending, err := m.store.ListByStatus(ctx, task.StatusPending)
	if err != nil {
		return err
	}
	for _, t := range pending {
		met, err := m.resolver.AllDependenciesMet(ctx, t.ID)
		if err != nil {
			return err
		}
		if met {
			t.Status = task.StatusReady
		} else {
			t.Status = task.StatusBlocked
		}
		if err := m.store.UpdateTask(ctx, t); err != nil {
			return err
		}
		reset++
		log.Printf("WARNING: task %q had a retry in flight, reset to %s", t.ID, t.Status)
	}

	// Blocked tasks whose last prerequisite resolved while no process was
	// alive to promote them.
	blocked, err := m.store.ListByStatus(ctx, task.StatusBlocked)
	if err != nil {
		return err
	}
	for _, t := range blocked {
		met, err := m.resolver.AllDependenciesMet(ctx, t.ID)
		if err != nil {
			return err
		}
		if !met {
			continue
		}
		t.Status = task.StatusReady
		if err := m.store.UpdateTask(ctx, t); err != nil {
			return err
		}
		reset++
		log.Printf("WARNING: task %q had all prerequisites met, promoted to %s", t.ID, t.Status)
	}

	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	terminated := 0
	for _, a := range agents {
		if now.Sub(a.LastHeartbeat) <= m.staleness {
			continue
		}
		m.bus.Publish(events.TopicAgent, events.AgentStaleEvent{ID: a.ID, LastHeartbeat: a.LastHeartbeat, Timestamp: now})
		if err := m.store.DeleteAgent(ctx, a.ID); err != nil {
			return err
		}
		terminated++
		log.Printf("WARNING: removed stale agent record %q (last heartbeat %s)", a.ID, a.LastHeartbeat.Format(time.RFC3339))
	}

	m.resolver.Invalidate()
	m.bus.Publish(events.TopicScheduler, events.RecoveryCompleteEvent{
		TasksReset:       reset,
		AgentsTerminated: terminated,
		Timestamp:        now,
	})

	return nil
}

// Snapshot writes one row of scheduler-wide counters to the store.
func (m *Manager) Snapshot(ctx context.Context) error {
	counts, err := m.queue.StatusCounts(ctx)
	if err != nil {
		return err
	}

	stats, err := m.resolver.CacheStats(ctx)
	if err != nil {
		return err
	}

	_, busy := m.pool.Counts()
	return m.store.SaveCounterSnapshot(ctx, store.CounterSnapshot{
		TakenAt:         time.Now().UTC(),
		Pending:         counts[task.StatusPending],
		Blocked:         counts[task.StatusBlocked],
		Ready:           counts[task.StatusReady],
		Running:         counts[task.StatusRunning],
		Completed:       counts[task.StatusCompleted],
		Failed:          counts[task.StatusFailed],
		Cancelled:       counts[task.StatusCancelled],
		BusyAgents:      busy,
		UnresolvedEdges: stats.UnresolvedEdges,
	})
}

// Run snapshots counters on a timer until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Snapshot(ctx); err != nil {
				log.Printf("ERROR: counter snapshot: %v", err)
			}
		}
	}
}
