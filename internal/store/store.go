package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskforge/taskforge/internal/task"
	_ "modernc.org/sqlite"
)

// CounterSnapshot is a periodic record of scheduler-wide counters.
type CounterSnapshot struct {
	TakenAt         time.Time
	Pending         int
	Blocked         int
	Ready           int
	Running         int
	Completed       int
	Failed          int
	Cancelled       int
	BusyAgents      int
	UnresolvedEdges int
}

// Store defines the repository consumed by the scheduler core.
// All methods are assumed to execute within the coordinator's exclusive
// access window; the store provides durability, not cross-process locking.
type Store interface {
	// Task operations
	InsertTask(ctx context.Context, t *task.Task) error
	// InsertTaskWithEdges persists a task and its prerequisite edges in one
	// transaction so a crash cannot separate a task from its dependencies.
	InsertTaskWithEdges(ctx context.Context, t *task.Task, edges []task.Edge) error
	UpdateTask(ctx context.Context, t *task.Task) error
	// CompleteTask writes the completing update and resolves the task's
	// out-edges atomically.
	CompleteTask(ctx context.Context, t *task.Task, at time.Time) error
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	ListByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)
	ListActive(ctx context.Context) ([]*task.Task, error)

	// Dependency edge operations
	InsertEdges(ctx context.Context, edges []task.Edge) error
	ListUnresolvedEdges(ctx context.Context) ([]task.Edge, error)
	MarkEdgesResolved(ctx context.Context, prerequisiteID string, at time.Time) error

	// Agent operations
	UpsertAgent(ctx context.Context, a *task.Agent) error
	GetAgent(ctx context.Context, agentID string) (*task.Agent, error)
	ListAgents(ctx context.Context) ([]*task.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error

	// Monitoring side-channel
	SaveCounterSnapshot(ctx context.Context, snap CounterSnapshot) error

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys,
// and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := "file::memory:?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for subqueries
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
