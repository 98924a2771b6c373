package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskforge/taskforge/internal/task"
)

// InsertEdges persists prerequisite edges.
func (s *SQLiteStore) InsertEdges(ctx context.Context, edges []task.Edge) error {
	if len(edges) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range edges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_edges (dependent_id, prerequisite_id, dependency_type, resolved_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(dependent_id, prerequisite_id) DO NOTHING
		`, e.DependentID, e.PrerequisiteID, string(e.DependencyType), e.ResolvedAt)
		if err != nil {
			return fmt.Errorf("failed to insert edge %s -> %s: %w", e.DependentID, e.PrerequisiteID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ListUnresolvedEdges returns every edge whose prerequisite has not yet
// completed. This is the working set of the dependency graph cache.
func (s *SQLiteStore) ListUnresolvedEdges(ctx context.Context) ([]task.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dependent_id, prerequisite_id, dependency_type, resolved_at
		FROM task_edges
		WHERE resolved_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved edges: %w", err)
	}
	defer rows.Close()

	var edges []task.Edge
	for rows.Next() {
		var e task.Edge
		var depType string
		var resolved sql.NullTime
		if err := rows.Scan(&e.DependentID, &e.PrerequisiteID, &depType, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.DependencyType = task.DependencyType(depType)
		if resolved.Valid {
			t := resolved.Time
			e.ResolvedAt = &t
		}
		edges = append(edges, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}

	return edges, nil
}

// MarkEdgesResolved stamps every unresolved edge whose prerequisite is the
// given task. Called when that task completes successfully.
func (s *SQLiteStore) MarkEdgesResolved(ctx context.Context, prerequisiteID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_edges
		SET resolved_at = ?
		WHERE prerequisite_id = ? AND resolved_at IS NULL
	`, at, prerequisiteID)
	if err != nil {
		return fmt.Errorf("failed to resolve edges for %s: %w", prerequisiteID, err)
	}
	return nil
}
