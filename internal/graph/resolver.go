package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/task"
)

// Resolver builds and caches the unresolved-prerequisite graph, detects
// cycles, and answers readiness, ordering, and depth queries.
//
// The cached adjacency is a single-owner structure guarded by the
// resolver's mutex. Any edge insert, resolution, or deletion invalidates
// the whole cache; the next query rebuilds it from the store in O(E).
type Resolver struct {
	mu    sync.Mutex
	store store.Store
	ttl   time.Duration

	builtAt    time.Time
	prereqs    map[string][]string // dependent -> unresolved prerequisite ids
	dependents map[string][]string // prerequisite -> dependent ids
	depthMemo  map[string]int
}

// NewResolver creates a resolver over the given store. ttl bounds how long
// a built graph is trusted before being re-read from the store.
func NewResolver(s store.Store, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Resolver{
		store: s,
		ttl:   ttl,
	}
}

// Invalidate discards the cached graph. Call after any edge mutation.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidateLocked()
}

func (r *Resolver) invalidateLocked() {
	r.builtAt = time.Time{}
	r.prereqs = nil
	r.dependents = nil
	r.depthMemo = nil
}

// ensureGraphLocked rebuilds the adjacency from the store if the cache is
// missing or older than the TTL. Caller must hold r.mu.
func (r *Resolver) ensureGraphLocked(ctx context.Context) error {
	if r.prereqs != nil && time.Since(r.builtAt) < r.ttl {
		return nil
	}

	edges, err := r.store.ListUnresolvedEdges(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding dependency graph: %w", err)
	}

	prereqs := make(map[string][]string)
	dependents := make(map[string][]string)
	for _, e := range edges {
		prereqs[e.DependentID] = append(prereqs[e.DependentID], e.PrerequisiteID)
		dependents[e.PrerequisiteID] = append(dependents[e.PrerequisiteID], e.DependentID)
	}

	r.prereqs = prereqs
	r.dependents = dependents
	r.depthMemo = make(map[string]int)
	r.builtAt = time.Now()
	return nil
}

// ValidateAndRegister checks that adding edges from newTaskID to each of
// prerequisiteIDs keeps the graph acyclic. On a cycle the returned error
// carries the offending path and nothing may be persisted. On success the
// caller registers the edges by persisting them atomically with the task
// and invalidating this cache.
func (r *Resolver) ValidateAndRegister(ctx context.Context, newTaskID string, prerequisiteIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureGraphLocked(ctx); err != nil {
		return err
	}

	// Hypothetical adjacency: current graph plus the new edges
	trial := make(map[string][]string, len(r.prereqs)+1)
	for k, v := range r.prereqs {
		trial[k] = v
	}
	trial[newTaskID] = append(append([]string{}, r.prereqs[newTaskID]...), prerequisiteIDs...)

	if path := findCycle(trial, newTaskID); path != nil {
		return &task.CircularDependencyError{Path: path}
	}
	return nil
}

// findCycle runs a three-colour depth-first search from start over the
// dependent -> prerequisite adjacency. A back edge into an in-progress
// node is a cycle; the returned path starts and ends at that node.
func findCycle(adj map[string][]string, start string) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in progress
		black = 2 // done
	)

	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				// Back edge: slice the stack from the first occurrence of next
				for i, n := range stack {
					if n == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
				cycle = []string{next, next}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	if visit(start) {
		return cycle
	}
	return nil
}

// UnmetPrerequisites returns the subset of ids whose task has not reached
// a success-terminal state.
func (r *Resolver) UnmetPrerequisites(ctx context.Context, ids []string) (map[string]bool, error) {
	unmet := make(map[string]bool)
	for _, id := range ids {
		t, err := r.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if !t.Status.Succeeded() {
			unmet[id] = true
		}
	}
	return unmet, nil
}

// AllDependenciesMet reports whether zero unresolved edges name taskID as
// dependent.
func (r *Resolver) AllDependenciesMet(ctx context.Context, taskID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureGraphLocked(ctx); err != nil {
		return false, err
	}
	return len(r.prereqs[taskID]) == 0, nil
}

// BlockedDependentCount returns how many tasks are blocked directly on the
// given task through unresolved edges.
func (r *Resolver) BlockedDependentCount(ctx context.Context, taskID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureGraphLocked(ctx); err != nil {
		return 0, err
	}
	return len(r.dependents[taskID]), nil
}

// Dependents returns the ids of tasks blocked directly on the given task.
func (r *Resolver) Dependents(ctx context.Context, taskID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureGraphLocked(ctx); err != nil {
		return nil, err
	}
	return append([]string{}, r.dependents[taskID]...), nil
}

// TopologicalOrder orders the given ids so every prerequisite precedes its
// dependents, using Kahn's algorithm over the induced subgraph of
// unresolved edges. A short output means the ids contain a cycle.
func (r *Resolver) TopologicalOrder(ctx context.Context, ids []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureGraphLocked(ctx); err != nil {
		return nil, err
	}

	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	// In-degree: number of prerequisites within the induced subgraph
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, p := range r.prereqs[id] {
			if inSet[p] {
				inDegree[id]++
			}
		}
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, dep := range r.dependents[id] {
			if !inSet[dep] {
				continue
			}
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) < len(ids) {
		var remaining []string
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		for _, id := range ids {
			if !seen[id] {
				remaining = append(remaining, id)
			}
		}
		return nil, &task.CircularDependencyError{Path: remaining}
	}

	return order, nil
}

// DependencyDepth returns the longest chain of unresolved prerequisites
// beneath the given task: 0 with no unresolved prerequisites, otherwise
// 1 + the maximum depth among them. Memoised until the next invalidation.
func (r *Resolver) DependencyDepth(ctx context.Context, taskID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureGraphLocked(ctx); err != nil {
		return 0, err
	}
	return r.depthLocked(taskID, make(map[string]bool)), nil
}

func (r *Resolver) depthLocked(taskID string, visiting map[string]bool) int {
	if d, ok := r.depthMemo[taskID]; ok {
		return d
	}
	if visiting[taskID] {
		// Cycles are rejected at submission; guard against runaway
		// recursion anyway.
		return 0
	}
	visiting[taskID] = true

	depth := 0
	for _, p := range r.prereqs[taskID] {
		if d := 1 + r.depthLocked(p, visiting); d > depth {
			depth = d
		}
	}

	delete(visiting, taskID)
	r.depthMemo[taskID] = depth
	return depth
}
