package priority

import (
	"time"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/task"
)

// Calculator converts a task's attributes plus graph-derived inputs into a
// scalar execution priority. Calculate is pure: same inputs, same score.
type Calculator struct {
	weights config.PriorityWeights
}

// NewCalculator creates a calculator with the given weights.
func NewCalculator(w config.PriorityWeights) *Calculator {
	return &Calculator{weights: w}
}

// Calculate scores a task. depth is the task's unresolved dependency depth
// and blockedDependents the number of tasks blocked directly on it.
//
//	score = base*W_base + urgency*W_urgency + dependency*W_dependency
//	      + starvation*W_starvation + source*W_source
//
// Every term is a bounded, monotonic step function; the result is clamped
// to be non-negative.
func (c *Calculator) Calculate(t *task.Task, depth, blockedDependents int, now time.Time) float64 {
	score := float64(clampBase(t.BasePriority)) * c.weights.Base
	score += urgencyBoost(t.Deadline, now) * c.weights.Urgency
	score += dependencyBoost(blockedDependents, depth) * c.weights.Dependency
	score += starvationBoost(now.Sub(t.SubmittedAt)) * c.weights.Starvation
	score += sourceBoost(t.Source) * c.weights.Source

	if score < 0 {
		return 0
	}
	return score
}

func clampBase(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}

// urgencyBoost maps remaining time before the deadline onto discrete
// bands. No deadline scores zero; an overdue deadline saturates.
func urgencyBoost(deadline *time.Time, now time.Time) float64 {
	if deadline == nil {
		return 0
	}

	remaining := deadline.Sub(now)
	switch {
	case remaining < time.Minute: // includes overdue
		return 10
	case remaining < time.Hour:
		return 8
	case remaining < 24*time.Hour:
		return 5
	case remaining < 7*24*time.Hour:
		return 2
	default:
		return 0
	}
}

// dependencyBoost rewards tasks that other work is waiting on. The count
// of directly blocked dependents dominates; unresolved depth adds a small
// bias toward unblocking long chains.
func dependencyBoost(blockedDependents, depth int) float64 {
	var boost float64
	switch {
	case blockedDependents == 0:
		boost = 0
	case blockedDependents <= 2:
		boost = 2
	case blockedDependents <= 5:
		boost = 5
	default:
		boost = 8
	}

	bias := float64(depth) * 0.25
	if bias > 1 {
		bias = 1
	}
	return boost + bias
}

// starvationBoost grows with wall-clock age so low-base-priority tasks
// cannot be deferred indefinitely.
func starvationBoost(age time.Duration) float64 {
	switch {
	case age < time.Hour:
		return 0
	case age < 6*time.Hour:
		return 1
	case age < 24*time.Hour:
		return 3
	case age < 72*time.Hour:
		return 5
	default:
		return 8
	}
}

// sourceBoost ranks provenance: human submissions first, then planner
// output, then tasks generated by downstream stages.
func sourceBoost(s task.Source) float64 {
	switch s.Rank() {
	case 2:
		return 5
	case 1:
		return 2
	default:
		return 0
	}
}
