package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskforge/taskforge/internal/task"
)

// UpsertAgent inserts or updates an agent record.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *task.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, agent_type, state, task_id, last_heartbeat, spawned_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_type = excluded.agent_type,
			state = excluded.state,
			task_id = excluded.task_id,
			last_heartbeat = excluded.last_heartbeat
	`, a.ID, a.AgentType, string(a.State), nullString(a.TaskID), a.LastHeartbeat, a.SpawnedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*task.Agent, error) {
	a := &task.Agent{}
	var state string
	var taskID sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_type, state, task_id, last_heartbeat, spawned_at
		FROM agents
		WHERE id = ?
	`, agentID).Scan(&a.ID, &a.AgentType, &state, &taskID, &a.LastHeartbeat, &a.SpawnedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}

	a.State = task.AgentState(state)
	a.TaskID = taskID.String
	return a, nil
}

// ListAgents returns all agent records.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*task.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_type, state, task_id, last_heartbeat, spawned_at
		FROM agents
		ORDER BY spawned_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*task.Agent
	for rows.Next() {
		a := &task.Agent{}
		var state string
		var taskID sql.NullString
		if err := rows.Scan(&a.ID, &a.AgentType, &state, &taskID, &a.LastHeartbeat, &a.SpawnedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		a.State = task.AgentState(state)
		a.TaskID = taskID.String
		agents = append(agents, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

// DeleteAgent removes an agent record.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return nil
}

// SaveCounterSnapshot appends a row of scheduler-wide counters.
func (s *SQLiteStore) SaveCounterSnapshot(ctx context.Context, snap CounterSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_counters
			(taken_at, pending, blocked, ready, running, completed, failed, cancelled, busy_agents, unresolved_edges)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.TakenAt, snap.Pending, snap.Blocked, snap.Ready, snap.Running,
		snap.Completed, snap.Failed, snap.Cancelled, snap.BusyAgents, snap.UnresolvedEdges)
	if err != nil {
		return fmt.Errorf("failed to save counter snapshot: %w", err)
	}
	return nil
}
