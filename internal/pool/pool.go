package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
)

// Pool manages the worker agent fleet: spawning, capability matching,
// health checking, and scaling between the configured min and max.
// Agents are in-process worker slots; their records are persisted so a
// restarted coordinator can reap slots left behind by a crash.
type Pool struct {
	mu     sync.Mutex
	store  store.Store
	bus    *events.Bus
	cfg    config.PoolConfig
	agents map[string]*task.Agent
}

// NewPool creates an agent pool.
func NewPool(s store.Store, bus *events.Bus, cfg config.PoolConfig) *Pool {
	return &Pool{
		store:  s,
		bus:    bus,
		cfg:    cfg,
		agents: make(map[string]*task.Agent),
	}
}

// Start spawns the minimum fleet, one agent per configured type in
// round-robin until MinAgents is reached.
func (p *Pool) Start(ctx context.Context) error {
	types := p.cfg.AgentTypes
	if len(types) == 0 {
		types = []string{"general"}
	}

	for i := 0; i < p.cfg.MinAgents; i++ {
		if _, err := p.Spawn(ctx, types[i%len(types)]); err != nil {
			return fmt.Errorf("spawning initial agent: %w", err)
		}
	}
	return nil
}

// Spawn creates a new idle agent with the given capability tag.
func (p *Pool) Spawn(ctx context.Context, agentType string) (*task.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawnLocked(ctx, agentType)
}

func (p *Pool) spawnLocked(ctx context.Context, agentType string) (*task.Agent, error) {
	now := time.Now().UTC()
	a := &task.Agent{
		ID:            task.NewID(),
		AgentType:     agentType,
		State:         task.AgentIdle,
		LastHeartbeat: now,
		SpawnedAt:     now,
	}

	if err := p.store.UpsertAgent(ctx, a); err != nil {
		return nil, err
	}
	p.agents[a.ID] = a

	p.bus.Publish(events.TopicAgent, events.AgentSpawnedEvent{ID: a.ID, AgentType: agentType, Timestamp: now})
	return cloneAgent(a), nil
}

// Terminate destroys an agent and removes its record.
func (p *Pool) Terminate(ctx context.Context, agentID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminateLocked(ctx, agentID, reason)
}

func (p *Pool) terminateLocked(ctx context.Context, agentID, reason string) error {
	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrAgentNotFound, agentID)
	}

	a.State = task.AgentTerminated
	if err := p.store.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	delete(p.agents, agentID)

	p.bus.Publish(events.TopicAgent, events.AgentTerminatedEvent{ID: agentID, Reason: reason, Timestamp: time.Now().UTC()})
	return nil
}

// Acquire claims an idle agent for a task, preferring an exact agent-type
// match and falling back to any idle agent. Returns ErrNoIdleAgent when
// the fleet is fully busy.
func (p *Pool) Acquire(ctx context.Context, agentType, taskID string) (*task.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fallback *task.Agent
	for _, a := range p.agents {
		if a.State != task.AgentIdle {
			continue
		}
		if a.AgentType == agentType {
			return p.assignLocked(ctx, a, taskID)
		}
		if fallback == nil {
			fallback = a
		}
	}
	if fallback != nil {
		return p.assignLocked(ctx, fallback, taskID)
	}

	return nil, task.ErrNoIdleAgent
}

func (p *Pool) assignLocked(ctx context.Context, a *task.Agent, taskID string) (*task.Agent, error) {
	a.State = task.AgentBusy
	a.TaskID = taskID
	a.LastHeartbeat = time.Now().UTC()
	if err := p.store.UpsertAgent(ctx, a); err != nil {
		a.State = task.AgentIdle
		a.TaskID = ""
		return nil, err
	}
	return cloneAgent(a), nil
}

// Release returns a busy agent to the idle set.
func (p *Pool) Release(ctx context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrAgentNotFound, agentID)
	}

	a.State = task.AgentIdle
	a.TaskID = ""
	a.LastHeartbeat = time.Now().UTC()
	return p.store.UpsertAgent(ctx, a)
}

// Heartbeat refreshes an agent's liveness timestamp.
func (p *Pool) Heartbeat(ctx context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrAgentNotFound, agentID)
	}

	a.LastHeartbeat = time.Now().UTC()
	return p.store.UpsertAgent(ctx, a)
}

// CheckHealth refreshes the persisted heartbeat of every live agent,
// idle and busy alike. Agents are in-process worker slots, so their
// liveness is the process's own; the heartbeat timeout applies to stored
// records left behind by a dead process, which startup recovery reaps.
// Hung payloads are the execution timeout's problem, not the pool's.
func (p *Pool) CheckHealth(ctx context.Context, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.agents {
		a.LastHeartbeat = now
		if err := p.store.UpsertAgent(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Scale grows the fleet toward demand up to MaxAgents and shrinks idle
// capacity with no demand down to MinAgents. pendingByType counts
// schedulable tasks per agent type.
func (p *Pool) Scale(ctx context.Context, pendingByType map[string]int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idleByType := make(map[string]int)
	for _, a := range p.agents {
		if a.State == task.AgentIdle {
			idleByType[a.AgentType]++
		}
	}

	// Grow toward demand
	for agentType, pending := range pendingByType {
		for pending > idleByType[agentType] && len(p.agents) < p.cfg.MaxAgents {
			if _, err := p.spawnLocked(ctx, agentType); err != nil {
				return err
			}
			idleByType[agentType]++
		}
	}

	// Shrink idle capacity nothing is asking for
	for id, a := range p.agents {
		if len(p.agents) <= p.cfg.MinAgents {
			break
		}
		if a.State != task.AgentIdle || pendingByType[a.AgentType] > 0 {
			continue
		}
		if err := p.terminateLocked(ctx, id, "scale down"); err != nil {
			return err
		}
	}

	// Never leave the fleet below the configured floor
	types := p.cfg.AgentTypes
	if len(types) == 0 {
		types = []string{"general"}
	}
	for i := 0; len(p.agents) < p.cfg.MinAgents; i++ {
		if _, err := p.spawnLocked(ctx, types[i%len(types)]); err != nil {
			return err
		}
	}

	return nil
}

// Counts returns the number of idle and busy agents.
func (p *Pool) Counts() (idle, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.agents {
		switch a.State {
		case task.AgentIdle:
			idle++
		case task.AgentBusy:
			busy++
		}
	}
	return idle, busy
}

// Size returns the total number of live agents.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// Agents returns a snapshot of all live agents.
func (p *Pool) Agents() []*task.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*task.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, cloneAgent(a))
	}
	return out
}

func cloneAgent(a *task.Agent) *task.Agent {
	cp := *a
	return &cp
}
