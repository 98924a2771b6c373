package pool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
)

func newTestPool(t *testing.T, cfg config.PoolConfig) (*Pool, *store.SQLiteStore) {
	t.Helper()

	ctx := context.Background()
	st, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	return NewPool(st, bus, cfg), st
}

func TestStartSpawnsMinimumFleet(t *testing.T) {
	p, st := newTestPool(t, config.PoolConfig{
		MinAgents:  3,
		MaxAgents:  8,
		AgentTypes: []string{"coder", "tester"},
	})
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := p.Size(); got != 3 {
		t.Errorf("Size() = %d, want 3", got)
	}

	// Types round-robin: coder, tester, coder
	byType := make(map[string]int)
	for _, a := range p.Agents() {
		byType[a.AgentType]++
	}
	if byType["coder"] != 2 || byType["tester"] != 1 {
		t.Errorf("fleet composition = %v, want coder:2 tester:1", byType)
	}

	// Records are persisted for crash recovery
	persisted, err := st.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(persisted) != 3 {
		t.Errorf("persisted agents = %d, want 3", len(persisted))
	}
}

func TestAcquirePrefersExactTypeMatch(t *testing.T) {
	p, _ := newTestPool(t, config.PoolConfig{MinAgents: 0, MaxAgents: 8})
	ctx := context.Background()

	if _, err := p.Spawn(ctx, "coder"); err != nil {
		t.Fatalf("Spawn(coder) error = %v", err)
	}
	if _, err := p.Spawn(ctx, "tester"); err != nil {
		t.Fatalf("Spawn(tester) error = %v", err)
	}

	got, err := p.Acquire(ctx, "tester", "task-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got.AgentType != "tester" {
		t.Errorf("acquired type = %q, want tester", got.AgentType)
	}
	if got.State != task.AgentBusy || got.TaskID != "task-1" {
		t.Errorf("acquired agent = %+v, want busy on task-1", got)
	}
}

func TestAcquireFallsBackToAnyIdle(t *testing.T) {
	p, _ := newTestPool(t, config.PoolConfig{MinAgents: 0, MaxAgents: 8})
	ctx := context.Background()

	if _, err := p.Spawn(ctx, "coder"); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	got, err := p.Acquire(ctx, "reviewer", "task-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got.AgentType != "coder" {
		t.Errorf("fallback acquired type = %q, want coder", got.AgentType)
	}
}

func TestAcquireExhaustedFleet(t *testing.T) {
	p, _ := newTestPool(t, config.PoolConfig{MinAgents: 0, MaxAgents: 8})
	ctx := context.Background()

	a, err := p.Spawn(ctx, "coder")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if _, err := p.Acquire(ctx, "coder", "task-1"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := p.Acquire(ctx, "coder", "task-2"); !errors.Is(err, task.ErrNoIdleAgent) {
		t.Fatalf("Acquire() on busy fleet error = %v, want ErrNoIdleAgent", err)
	}

	// Releasing frees the slot again
	if err := p.Release(ctx, a.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := p.Acquire(ctx, "coder", "task-2"); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

func TestCheckHealthKeepsIdleFleet(t *testing.T) {
	p, st := newTestPool(t, config.PoolConfig{
		MinAgents:          2,
		MaxAgents:          8,
		AgentTypes:         []string{"general"},
		HeartbeatTimeoutMS: 1000,
	})
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Idle agents silent far past the heartbeat timeout are still live
	// slots of this process and must not be reaped.
	p.mu.Lock()
	for _, a := range p.agents {
		a.LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	}
	p.mu.Unlock()

	checkedAt := time.Now().UTC().Add(5 * time.Minute)
	if err := p.CheckHealth(ctx, checkedAt); err != nil {
		t.Fatalf("CheckHealth() error = %v", err)
	}
	if got := p.Size(); got != 2 {
		t.Errorf("Size() after health check = %d, want 2 (MinAgents)", got)
	}

	// Persisted heartbeats were refreshed
	persisted, err := st.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	for _, a := range persisted {
		if !a.LastHeartbeat.Equal(checkedAt) {
			t.Errorf("agent %q heartbeat = %v, want %v", a.ID, a.LastHeartbeat, checkedAt)
		}
	}
}

func TestCheckHealthRefreshesBusyAgents(t *testing.T) {
	p, st := newTestPool(t, config.PoolConfig{
		MinAgents:          0,
		MaxAgents:          8,
		HeartbeatTimeoutMS: 1000,
	})
	ctx := context.Background()

	a, err := p.Spawn(ctx, "coder")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if _, err := p.Acquire(ctx, "coder", "task-1"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Even a long-silent busy agent survives: the execution timeout is
	// the authority on hung payloads.
	p.mu.Lock()
	p.agents[a.ID].LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	p.mu.Unlock()

	checkedAt := time.Now().UTC()
	if err := p.CheckHealth(ctx, checkedAt); err != nil {
		t.Fatalf("CheckHealth() error = %v", err)
	}
	if p.Size() != 1 {
		t.Errorf("Size() = %d, want 1", p.Size())
	}

	got, err := st.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAgent() error = %v", err)
	}
	if !got.LastHeartbeat.Equal(checkedAt) {
		t.Errorf("busy agent heartbeat = %v, want %v", got.LastHeartbeat, checkedAt)
	}
}

func TestScaleGrowsTowardDemand(t *testing.T) {
	p, _ := newTestPool(t, config.PoolConfig{MinAgents: 1, MaxAgents: 3})
	ctx := context.Background()

	if _, err := p.Spawn(ctx, "general"); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	// Demand for five coders is capped by MaxAgents
	if err := p.Scale(ctx, map[string]int{"coder": 5}); err != nil {
		t.Fatalf("Scale() error = %v", err)
	}
	if got := p.Size(); got != 3 {
		t.Errorf("Size() after scale up = %d, want 3 (MaxAgents)", got)
	}
}

func TestScaleShrinksUndemandedIdle(t *testing.T) {
	p, _ := newTestPool(t, config.PoolConfig{MinAgents: 1, MaxAgents: 8})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := p.Spawn(ctx, "coder"); err != nil {
			t.Fatalf("Spawn() error = %v", err)
		}
	}

	if err := p.Scale(ctx, nil); err != nil {
		t.Fatalf("Scale() error = %v", err)
	}
	if got := p.Size(); got != 1 {
		t.Errorf("Size() after scale down = %d, want 1 (MinAgents)", got)
	}
}

func TestScaleTopsUpToMinimum(t *testing.T) {
	p, _ := newTestPool(t, config.PoolConfig{
		MinAgents:  2,
		MaxAgents:  8,
		AgentTypes: []string{"coder", "tester"},
	})
	ctx := context.Background()

	// No demand and an empty fleet: the floor still gets staffed
	if err := p.Scale(ctx, nil); err != nil {
		t.Fatalf("Scale() error = %v", err)
	}
	if got := p.Size(); got != 2 {
		t.Errorf("Size() after scale on empty fleet = %d, want 2 (MinAgents)", got)
	}

	byType := make(map[string]int)
	for _, a := range p.Agents() {
		byType[a.AgentType]++
	}
	if byType["coder"] != 1 || byType["tester"] != 1 {
		t.Errorf("fleet composition = %v, want coder:1 tester:1", byType)
	}
}

func TestScaleNeverShrinksBusyAgents(t *testing.T) {
	p, _ := newTestPool(t, config.PoolConfig{MinAgents: 1, MaxAgents: 8})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.Spawn(ctx, "coder"); err != nil {
			t.Fatalf("Spawn() error = %v", err)
		}
	}
	if _, err := p.Acquire(ctx, "coder", "task-1"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := p.Acquire(ctx, "coder", "task-2"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := p.Scale(ctx, nil); err != nil {
		t.Fatalf("Scale() error = %v", err)
	}

	_, busy := p.Counts()
	if busy != 2 {
		t.Errorf("busy agents after scale down = %d, want 2", busy)
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	p, _ := newTestPool(t, config.PoolConfig{MinAgents: 0, MaxAgents: 8})

	if err := p.Heartbeat(context.Background(), "ghost"); !errors.Is(err, task.ErrAgentNotFound) {
		t.Errorf("Heartbeat(ghost) error = %v, want ErrAgentNotFound", err)
	}
}
