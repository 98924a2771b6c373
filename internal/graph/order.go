package graph

import (
	"context"
	"fmt"

	"github.com/gammazero/toposort"
)

// CachedOrder returns a topological order of every task appearing in the
// cached unresolved-edge graph, prerequisites first. Used for reporting
// and recovery walks; per-dequeue ordering goes through TopologicalOrder.
func (r *Resolver) CachedOrder(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureGraphLocked(ctx); err != nil {
		return nil, err
	}

	var edges []toposort.Edge
	seen := make(map[string]bool)
	for dependent, prereqs := range r.prereqs {
		if len(prereqs) == 0 {
			edges = append(edges, toposort.Edge{nil, dependent})
			seen[dependent] = true
			continue
		}
		for _, p := range prereqs {
			// Edge (p, dependent) means p must come before dependent
			edges = append(edges, toposort.Edge{p, dependent})
			seen[p] = true
			seen[dependent] = true
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(seen))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	return order, nil
}

// Stats describes the cached graph for monitoring.
type Stats struct {
	UnresolvedEdges int
	BlockedTasks    int // Tasks with at least one unresolved prerequisite
	BlockingTasks   int // Tasks with at least one waiting dependent
}

// CacheStats returns counts over the cached unresolved-edge graph.
func (r *Resolver) CacheStats(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureGraphLocked(ctx); err != nil {
		return Stats{}, err
	}

	var s Stats
	for _, prereqs := range r.prereqs {
		s.UnresolvedEdges += len(prereqs)
		if len(prereqs) > 0 {
			s.BlockedTasks++
		}
	}
	for _, deps := range r.dependents {
		if len(deps) > 0 {
			s.BlockingTasks++
		}
	}
	return s, nil
}
