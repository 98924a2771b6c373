package priority

import (
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/task"
)

func defaultCalc() *Calculator {
	return NewCalculator(config.DefaultConfig().Weights)
}

func baseTask(base int, submitted time.Time) *task.Task {
	return &task.Task{
		ID:           "t",
		BasePriority: base,
		Source:       task.SourceGenerated,
		SubmittedAt:  submitted,
	}
}

func TestCalculateBaseWeight(t *testing.T) {
	c := defaultCalc()
	now := time.Now().UTC()

	tests := []struct {
		name string
		base int
		want float64
	}{
		{"zero base", 0, 0},
		{"mid base", 5, 50},
		{"max base", 10, 100},
		{"clamped above", 15, 100},
		{"clamped below", -3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Calculate(baseTask(tt.base, now), 0, 0, now)
			if got != tt.want {
				t.Errorf("Calculate(base=%d) = %v, want %v", tt.base, got, tt.want)
			}
		})
	}
}

func TestUrgencyBands(t *testing.T) {
	c := defaultCalc()
	now := time.Now().UTC()

	tests := []struct {
		name      string
		remaining time.Duration
		want      float64
	}{
		{"overdue", -time.Hour, 10},
		{"under a minute", 30 * time.Second, 10},
		{"under an hour", 30 * time.Minute, 8},
		{"under a day", 12 * time.Hour, 5},
		{"under a week", 3 * 24 * time.Hour, 2},
		{"far future", 30 * 24 * time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := baseTask(0, now)
			deadline := now.Add(tt.remaining)
			tk.Deadline = &deadline
			if got := c.Calculate(tk, 0, 0, now); got != tt.want {
				t.Errorf("urgency with %v remaining = %v, want %v", tt.remaining, got, tt.want)
			}
		})
	}

	t.Run("no deadline", func(t *testing.T) {
		if got := c.Calculate(baseTask(0, now), 0, 0, now); got != 0 {
			t.Errorf("no deadline = %v, want 0", got)
		}
	})
}

func TestUrgencyMonotonic(t *testing.T) {
	c := defaultCalc()
	now := time.Now().UTC()

	// Closer deadlines never score lower
	horizons := []time.Duration{
		30 * time.Second, 30 * time.Minute, 12 * time.Hour,
		3 * 24 * time.Hour, 30 * 24 * time.Hour,
	}
	prev := -1.0
	for i := len(horizons) - 1; i >= 0; i-- {
		tk := baseTask(0, now)
		deadline := now.Add(horizons[i])
		tk.Deadline = &deadline
		score := c.Calculate(tk, 0, 0, now)
		if score < prev {
			t.Errorf("score %v for %v remaining below score %v for a later deadline", score, horizons[i], prev)
		}
		prev = score
	}
}

func TestDependencyBoost(t *testing.T) {
	tests := []struct {
		name    string
		blocked int
		depth   int
		want    float64
	}{
		{"no dependents", 0, 0, 0},
		{"one dependent", 1, 0, 2},
		{"two dependents", 2, 0, 2},
		{"three dependents", 3, 0, 5},
		{"five dependents", 5, 0, 5},
		{"many dependents", 9, 0, 8},
		{"depth bias", 1, 2, 2.5},
		{"depth bias capped", 1, 40, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dependencyBoost(tt.blocked, tt.depth); got != tt.want {
				t.Errorf("dependencyBoost(%d, %d) = %v, want %v", tt.blocked, tt.depth, got, tt.want)
			}
		})
	}
}

func TestStarvationBoost(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"fresh", 10 * time.Minute, 0},
		{"hours old", 3 * time.Hour, 1},
		{"half a day", 12 * time.Hour, 3},
		{"two days", 48 * time.Hour, 5},
		{"a week", 7 * 24 * time.Hour, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := starvationBoost(tt.age); got != tt.want {
				t.Errorf("starvationBoost(%v) = %v, want %v", tt.age, got, tt.want)
			}
		})
	}
}

func TestSourceOrdering(t *testing.T) {
	c := defaultCalc()
	now := time.Now().UTC()

	score := func(src task.Source) float64 {
		tk := baseTask(0, now)
		tk.Source = src
		return c.Calculate(tk, 0, 0, now)
	}

	human := score(task.SourceHuman)
	planner := score(task.SourcePlanner)
	generated := score(task.SourceGenerated)

	if !(human > planner && planner > generated) {
		t.Errorf("source ordering human=%v planner=%v generated=%v, want human > planner > generated", human, planner, generated)
	}
}

func TestCalculateDeterministic(t *testing.T) {
	c := defaultCalc()
	now := time.Now().UTC()

	tk := baseTask(7, now.Add(-2*time.Hour))
	tk.Source = task.SourcePlanner
	deadline := now.Add(20 * time.Minute)
	tk.Deadline = &deadline

	first := c.Calculate(tk, 2, 3, now)
	for i := 0; i < 10; i++ {
		if got := c.Calculate(tk, 2, 3, now); got != first {
			t.Fatalf("Calculate() not deterministic: %v != %v", got, first)
		}
	}

	// base 7*10 + urgency 8 + dependency 5+0.5 + starvation 1 + source 2
	if want := 86.5; first != want {
		t.Errorf("Calculate() = %v, want %v", first, want)
	}
}
