package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/task"
)

const taskColumns = `id, description, agent_type, status, base_priority, calculated_priority,
	source, parent_id, dependency_type, deadline, retry_count, max_retries,
	remediation_count, max_remediations, requires_validation,
	submitted_at, started_at, completed_at, error_message, result_data`

// InsertTask persists a new task.
func (s *SQLiteStore) InsertTask(ctx context.Context, t *task.Task) error {
	_, err := s.db.ExecContext(ctx, insertTaskSQL(), insertTaskArgs(t)...)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// InsertTaskWithEdges persists a task and its prerequisite edges in a
// single transaction. If any edge references a non-existent prerequisite,
// nothing is persisted.
func (s *SQLiteStore) InsertTaskWithEdges(ctx context.Context, t *task.Task, edges []task.Edge) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertTaskSQL(), insertTaskArgs(t)...); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	for _, e := range edges {
		// Check the prerequisite exists so the error is actionable
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, e.PrerequisiteID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return &task.PrerequisiteNotFoundError{TaskID: e.DependentID, PrerequisiteID: e.PrerequisiteID}
		}
		if err != nil {
			return fmt.Errorf("failed to check prerequisite existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_edges (dependent_id, prerequisite_id, dependency_type, resolved_at)
			VALUES (?, ?, ?, ?)
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

// UpdateTask rewrites all mutable fields of an existing task.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET description = ?, agent_type = ?, status = ?, base_priority = ?,
			calculated_priority = ?, source = ?, parent_id = ?, dependency_type = ?,
			deadline = ?, retry_count = ?, max_retries = ?, remediation_count = ?,
			max_remediations = ?, requires_validation = ?, submitted_at = ?,
			started_at = ?, completed_at = ?, error_message = ?, result_data = ?
		WHERE id = ?
	`, t.Description, t.AgentType, string(t.Status), t.BasePriority,
		t.CalculatedPriority, string(t.Source), nullString(t.ParentID), string(t.DependencyType),
		t.Deadline, t.RetryCount, t.MaxRetries, t.RemediationCount,
		t.MaxRemediations, boolToInt(t.RequiresValidation), t.SubmittedAt,
		t.StartedAt, t.CompletedAt, t.ErrorMessage, t.ResultData, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, t.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CompleteTask writes a task's completing update and resolves every
// unresolved edge naming it as prerequisite in one transaction, so a
// crash cannot leave a completed task with dangling out-edges.
func (s *SQLiteStore) CompleteTask(ctx context.Context, t *task.Task, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, calculated_priority = ?, completed_at = ?,
			error_message = ?, result_data = ?
		WHERE id = ?
	`, string(t.Status), t.CalculatedPriority, t.CompletedAt,
		t.ErrorMessage, t.ResultData, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, t.ID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE task_edges
		SET resolved_at = ?
		WHERE prerequisite_id = ? AND resolved_at IS NULL
	`, at, t.ID); err != nil {
		return fmt.Errorf("failed to resolve edges for %s: %w", t.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// ListByStatus returns all tasks whose status is one of the given values,
// ordered by submission time.
func (s *SQLiteStore) ListByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (`+placeholders+`) ORDER BY submitted_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListActive returns all non-terminal tasks ordered by submission time.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status NOT IN (?, ?, ?)
		ORDER BY submitted_at
	`, string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to query active tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func insertTaskSQL() string {
	return `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
}

func insertTaskArgs(t *task.Task) []any {
	return []any{
		t.ID, t.Description, t.AgentType, string(t.Status), t.BasePriority, t.CalculatedPriority,
		string(t.Source), nullString(t.ParentID), string(t.DependencyType), t.Deadline,
		t.RetryCount, t.MaxRetries, t.RemediationCount, t.MaxRemediations,
		boolToInt(t.RequiresValidation), t.SubmittedAt, t.StartedAt, t.CompletedAt,
		t.ErrorMessage, t.ResultData,
	}
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var (
		status, source, depType   string
		parentID                  sql.NullString
		deadline, started, done   sql.NullTime
		requiresValidation        int
		errorMessage, resultData  sql.NullString
	)

	err := row.Scan(&t.ID, &t.Description, &t.AgentType, &status, &t.BasePriority,
		&t.CalculatedPriority, &source, &parentID, &depType, &deadline,
		&t.RetryCount, &t.MaxRetries, &t.RemediationCount, &t.MaxRemediations,
		&requiresValidation, &t.SubmittedAt, &started, &done, &errorMessage, &resultData)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Source = task.Source(source)
	t.DependencyType = task.DependencyType(depType)
	t.ParentID = parentID.String
	t.RequiresValidation = requiresValidation != 0
	t.ErrorMessage = errorMessage.String
	t.ResultData = resultData.String
	if deadline.Valid {
		d := deadline.Time
		t.Deadline = &d
	}
	if started.Valid {
		d := started.Time
		t.StartedAt = &d
	}
	if done.Valid {
		d := done.Time
		t.CompletedAt = &d
	}

	return t, nil
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
