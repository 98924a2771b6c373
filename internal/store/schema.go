package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		base_priority INTEGER NOT NULL,
		calculated_priority REAL NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		parent_id TEXT,
		dependency_type TEXT NOT NULL,
		deadline DATETIME,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		remediation_count INTEGER NOT NULL DEFAULT 0,
		max_remediations INTEGER NOT NULL DEFAULT 0,
		requires_validation INTEGER NOT NULL DEFAULT 0,
		submitted_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		error_message TEXT,
		result_data TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS task_edges (
		dependent_id TEXT NOT NULL,
		prerequisite_id TEXT NOT NULL,
		dependency_type TEXT NOT NULL,
		resolved_at DATETIME,
		PRIMARY KEY (dependent_id, prerequisite_id),
		FOREIGN KEY (dependent_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (prerequisite_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_edges_prerequisite ON task_edges(prerequisite_id);
	CREATE INDEX IF NOT EXISTS idx_task_edges_unresolved ON task_edges(dependent_id) WHERE resolved_at IS NULL;

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		state TEXT NOT NULL,
		task_id TEXT,
		last_heartbeat DATETIME NOT NULL,
		spawned_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scheduler_counters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at DATETIME NOT NULL,
		pending INTEGER NOT NULL,
		blocked INTEGER NOT NULL,
		ready INTEGER NOT NULL,
		running INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		cancelled INTEGER NOT NULL,
		busy_agents INTEGER NOT NULL,
		unresolved_edges INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
