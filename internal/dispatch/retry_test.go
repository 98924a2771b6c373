package dispatch

import (
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/taskforge/taskforge/internal/config"
)

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		InitialIntervalMS:   100,
		MaxIntervalMS:       1000,
		Multiplier:          2.0,
		RandomizationFactor: 0, // Deterministic intervals for assertions
	}
}

func TestScheduleAndDue(t *testing.T) {
	q := newRetryQueue(testRetryConfig())
	now := time.Now().UTC()

	dueAt := q.Schedule("a", now)
	if got := dueAt.Sub(now); got != 100*time.Millisecond {
		t.Errorf("first backoff = %v, want 100ms", got)
	}

	if due := q.Due(now); len(due) != 0 {
		t.Errorf("Due() before backoff elapsed = %v, want empty", due)
	}

	due := q.Due(now.Add(200 * time.Millisecond))
	if len(due) != 1 || due[0] != "a" {
		t.Errorf("Due() after backoff = %v, want [a]", due)
	}

	if q.Len() != 0 {
		t.Errorf("Len() after pop = %d, want 0", q.Len())
	}
}

func TestBackoffGrowsPerTask(t *testing.T) {
	q := newRetryQueue(testRetryConfig())
	now := time.Now().UTC()

	first := q.Schedule("a", now).Sub(now)
	q.Due(now.Add(time.Minute))
	second := q.Schedule("a", now).Sub(now)
	q.Due(now.Add(time.Minute))
	third := q.Schedule("a", now).Sub(now)

	if !(second > first && third > second) {
		t.Errorf("backoff not growing: %v, %v, %v", first, second, third)
	}

	// A different task starts from the initial interval
	fresh := q.Schedule("b", now).Sub(now)
	if fresh != 100*time.Millisecond {
		t.Errorf("fresh task backoff = %v, want 100ms", fresh)
	}
}

func TestBackoffCappedAtMaxInterval(t *testing.T) {
	q := newRetryQueue(testRetryConfig())
	now := time.Now().UTC()

	var wait time.Duration
	for i := 0; i < 10; i++ {
		wait = q.Schedule("a", now).Sub(now)
		q.Due(now.Add(time.Hour))
	}
	if wait > time.Second {
		t.Errorf("backoff = %v, want capped at 1s", wait)
	}
}

func TestForgetResetsPolicy(t *testing.T) {
	q := newRetryQueue(testRetryConfig())
	now := time.Now().UTC()

	q.Schedule("a", now)
	q.Due(now.Add(time.Minute))
	q.Schedule("a", now)
	q.Due(now.Add(time.Minute))

	q.Forget("a")

	// After a terminal outcome and resubmission the policy starts over
	if wait := q.Schedule("a", now).Sub(now); wait != 100*time.Millisecond {
		t.Errorf("backoff after Forget = %v, want 100ms", wait)
	}
}

func TestDuePopsInOrder(t *testing.T) {
	q := newRetryQueue(testRetryConfig())
	now := time.Now().UTC()

	// b has a longer backoff than c after one prior failure
	q.Schedule("b", now)
	q.Due(now.Add(time.Minute))

	q.Schedule("b", now) // due at +200ms
	q.Schedule("c", now) // due at +100ms

	due := q.Due(now.Add(time.Second))
	if len(due) != 2 || due[0] != "c" || due[1] != "b" {
		t.Errorf("Due() = %v, want [c b]", due)
	}
}

func TestBreakerOpen(t *testing.T) {
	if breakerOpen(nil) {
		t.Error("breakerOpen(nil) = true")
	}
	if !breakerOpen(gobreaker.ErrOpenState) {
		t.Error("breakerOpen(ErrOpenState) = false")
	}
	if !breakerOpen(gobreaker.ErrTooManyRequests) {
		t.Error("breakerOpen(ErrTooManyRequests) = false")
	}
}
