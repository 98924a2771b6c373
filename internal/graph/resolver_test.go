package graph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	ctx := context.Background()
	st, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// addTask inserts a minimal task with edges to the given prerequisites.
func addTask(t *testing.T, st *store.SQLiteStore, id string, status task.Status, prereqs ...string) {
	t.Helper()

	ctx := context.Background()
	tk := &task.Task{
		ID:             id,
		Description:    id,
		AgentType:      "general",
		Status:         status,
		Source:         task.SourceHuman,
		DependencyType: task.DependencySequential,
		SubmittedAt:    time.Now().UTC(),
	}

	edges := make([]task.Edge, 0, len(prereqs))
	for _, p := range prereqs {
		edges = append(edges, task.Edge{
			DependentID:    id,
			PrerequisiteID: p,
			DependencyType: task.DependencySequential,
		})
	}

	if err := st.InsertTaskWithEdges(ctx, tk, edges); err != nil {
		t.Fatalf("inserting task %q: %v", id, err)
	}
}

func TestValidateAndRegister(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, st *store.SQLiteStore)
		newTask   string
		prereqs   []string
		wantCycle bool
	}{
		{
			name: "no dependencies",
			setup: func(t *testing.T, st *store.SQLiteStore) {
				addTask(t, st, "A", task.StatusReady)
			},
			newTask: "B",
			prereqs: nil,
		},
		{
			name: "valid linear chain",
			setup: func(t *testing.T, st *store.SQLiteStore) {
				addTask(t, st, "A", task.StatusReady)
				addTask(t, st, "B", task.StatusBlocked, "A")
			},
			newTask: "C",
			prereqs: []string{"B"},
		},
		{
			name: "valid diamond",
			setup: func(t *testing.T, st *store.SQLiteStore) {
				addTask(t, st, "A", task.StatusReady)
				addTask(t, st, "B", task.StatusBlocked, "A")
				addTask(t, st, "C", task.StatusBlocked, "A")
			},
			newTask: "D",
			prereqs: []string{"B", "C"},
		},
		{
			name:      "self-loop",
			setup:     func(t *testing.T, st *store.SQLiteStore) {},
			newTask:   "A",
			prereqs:   []string{"A"},
			wantCycle: true,
		},
		{
			name: "direct cycle",
			setup: func(t *testing.T, st *store.SQLiteStore) {
				addTask(t, st, "A", task.StatusReady)
				addTask(t, st, "B", task.StatusBlocked, "A")
			},
			// A would depend on B while B already depends on A
			newTask:   "A",
			prereqs:   []string{"B"},
			wantCycle: true,
		},
		{
			name: "transitive cycle",
			setup: func(t *testing.T, st *store.SQLiteStore) {
				addTask(t, st, "A", task.StatusReady)
				addTask(t, st, "B", task.StatusBlocked, "A")
				addTask(t, st, "C", task.StatusBlocked, "B")
			},
			newTask:   "A",
			prereqs:   []string{"C"},
			wantCycle: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			tt.setup(t, st)

			r := NewResolver(st, time.Second)
			err := r.ValidateAndRegister(context.Background(), tt.newTask, tt.prereqs)

			if tt.wantCycle {
				var cycleErr *task.CircularDependencyError
				if !errors.As(err, &cycleErr) {
					t.Fatalf("ValidateAndRegister() error = %v, want CircularDependencyError", err)
				}
				if len(cycleErr.Path) < 2 {
					t.Errorf("cycle path too short: %v", cycleErr.Path)
				}
				if cycleErr.Path[0] != cycleErr.Path[len(cycleErr.Path)-1] {
					t.Errorf("cycle path %v does not start and end at the same task", cycleErr.Path)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateAndRegister() error = %v, want nil", err)
			}
		})
	}
}

func TestCycleRejectionPersistsNothing(t *testing.T) {
	st := newTestStore(t)
	addTask(t, st, "A", task.StatusReady)
	addTask(t, st, "B", task.StatusBlocked, "A")

	r := NewResolver(st, time.Second)
	ctx := context.Background()

	if err := r.ValidateAndRegister(ctx, "A", []string{"B"}); err == nil {
		t.Fatal("expected cycle error")
	}

	edges, err := st.ListUnresolvedEdges(ctx)
	if err != nil {
		t.Fatalf("ListUnresolvedEdges() error = %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("expected only the original edge to survive, got %d edges", len(edges))
	}
}

func TestTopologicalOrder(t *testing.T) {
	st := newTestStore(t)
	// A <- B <- D, A <- C <- D (diamond)
	addTask(t, st, "A", task.StatusReady)
	addTask(t, st, "B", task.StatusBlocked, "A")
	addTask(t, st, "C", task.StatusBlocked, "A")
	addTask(t, st, "D", task.StatusBlocked, "B", "C")

	r := NewResolver(st, time.Second)
	ctx := context.Background()

	order, err := r.TopologicalOrder(ctx, []string{"D", "C", "B", "A"})
	if err != nil {
		t.Fatalf("TopologicalOrder() error = %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("order length = %d, want 4", len(order))
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, pair := range [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}} {
		if pos[pair[0]] > pos[pair[1]] {
			t.Errorf("order %v: %s should precede %s", order, pair[0], pair[1])
		}
	}

	// Induced subgraph: ordering a subset ignores edges to outside tasks
	sub, err := r.TopologicalOrder(ctx, []string{"B", "D"})
	if err != nil {
		t.Fatalf("TopologicalOrder(subset) error = %v", err)
	}
	if len(sub) != 2 || sub[0] != "B" || sub[1] != "D" {
		t.Errorf("subset order = %v, want [B D]", sub)
	}
}

func TestDependencyDepth(t *testing.T) {
	st := newTestStore(t)
	addTask(t, st, "A", task.StatusReady)
	addTask(t, st, "B", task.StatusBlocked, "A")
	addTask(t, st, "C", task.StatusBlocked, "B")
	addTask(t, st, "D", task.StatusBlocked, "A", "C")

	r := NewResolver(st, time.Second)
	ctx := context.Background()

	tests := []struct {
		id   string
		want int
	}{
		{"A", 0},
		{"B", 1},
		{"C", 2},
		{"D", 3}, // Longest chain: D -> C -> B -> A
	}
	for _, tt := range tests {
		got, err := r.DependencyDepth(ctx, tt.id)
		if err != nil {
			t.Fatalf("DependencyDepth(%s) error = %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("DependencyDepth(%s) = %d, want %d", tt.id, got, tt.want)
		}
	}
}

func TestAllDependenciesMet(t *testing.T) {
	st := newTestStore(t)
	addTask(t, st, "A", task.StatusReady)
	addTask(t, st, "B", task.StatusBlocked, "A")

	r := NewResolver(st, time.Second)
	ctx := context.Background()

	met, err := r.AllDependenciesMet(ctx, "B")
	if err != nil {
		t.Fatalf("AllDependenciesMet() error = %v", err)
	}
	if met {
		t.Error("B should have unmet dependencies")
	}

	// Resolve the edge; the cache must be invalidated to see it
	if err := st.MarkEdgesResolved(ctx, "A", time.Now().UTC()); err != nil {
		t.Fatalf("MarkEdgesResolved() error = %v", err)
	}
	r.Invalidate()

	met, err = r.AllDependenciesMet(ctx, "B")
	if err != nil {
		t.Fatalf("AllDependenciesMet() error = %v", err)
	}
	if !met {
		t.Error("B should be fully resolved after its edge resolved")
	}
}

func TestBlockedDependentCount(t *testing.T) {
	st := newTestStore(t)
	addTask(t, st, "A", task.StatusReady)
	addTask(t, st, "B", task.StatusBlocked, "A")
	addTask(t, st, "C", task.StatusBlocked, "A")

	r := NewResolver(st, time.Second)

	count, err := r.BlockedDependentCount(context.Background(), "A")
	if err != nil {
		t.Fatalf("BlockedDependentCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("BlockedDependentCount(A) = %d, want 2", count)
	}
}

func TestUnmetPrerequisites(t *testing.T) {
	st := newTestStore(t)
	addTask(t, st, "A", task.StatusCompleted)
	addTask(t, st, "B", task.StatusReady)

	r := NewResolver(st, time.Second)

	unmet, err := r.UnmetPrerequisites(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatalf("UnmetPrerequisites() error = %v", err)
	}
	if unmet["A"] {
		t.Error("completed prerequisite A reported unmet")
	}
	if !unmet["B"] {
		t.Error("ready prerequisite B should be unmet")
	}
}

func TestCachedOrder(t *testing.T) {
	st := newTestStore(t)
	addTask(t, st, "A", task.StatusReady)
	addTask(t, st, "B", task.StatusBlocked, "A")
	addTask(t, st, "C", task.StatusBlocked, "B")

	r := NewResolver(st, time.Second)

	order, err := r.CachedOrder(context.Background())
	if err != nil {
		t.Fatalf("CachedOrder() error = %v", err)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["A"] > pos["B"] || pos["B"] > pos["C"] {
		t.Errorf("CachedOrder() = %v, want A before B before C", order)
	}
}
