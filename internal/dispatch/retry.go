package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskforge/taskforge/internal/config"
)

// retryQueue holds failed tasks until their backoff elapses. Entries are
// time-ordered; each task keeps its own exponential backoff policy so
// repeated failures wait progressively longer.
type retryQueue struct {
	mu       sync.Mutex
	cfg      config.RetryConfig
	items    []retryItem
	policies map[string]backoff.BackOff
}

type retryItem struct {
	taskID string
	dueAt  time.Time
}

func newRetryQueue(cfg config.RetryConfig) *retryQueue {
	return &retryQueue{
		cfg:      cfg,
		policies: make(map[string]backoff.BackOff),
	}
}

// Schedule enqueues a task for retry after its next backoff interval.
// Returns the time the retry becomes due.
func (q *retryQueue) Schedule(taskID string, now time.Time) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	policy, ok := q.policies[taskID]
	if !ok {
		policy = q.newPolicy()
		q.policies[taskID] = policy
	}

	wait := policy.NextBackOff()
	if wait == backoff.Stop {
		// Past MaxElapsedTime; retry immediately, MaxRetries bounds us
		wait = 0
	}

	dueAt := now.Add(wait)
	q.items = append(q.items, retryItem{taskID: taskID, dueAt: dueAt})
	sort.Slice(q.items, func(i, j int) bool { return q.items[i].dueAt.Before(q.items[j].dueAt) })
	return dueAt
}

func (q *retryQueue) newPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(q.cfg.InitialIntervalMS) * time.Millisecond
	policy.MaxInterval = time.Duration(q.cfg.MaxIntervalMS) * time.Millisecond
	policy.MaxElapsedTime = 0 // Retry count is bounded by the task, not by time
	policy.Multiplier = q.cfg.Multiplier
	policy.RandomizationFactor = q.cfg.RandomizationFactor
	return policy
}

// Due pops every entry whose backoff has elapsed.
func (q *retryQueue) Due(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []string
	i := 0
	for ; i < len(q.items); i++ {
		if q.items[i].dueAt.After(now) {
			break
		}
		due = append(due, q.items[i].taskID)
	}
	q.items = q.items[i:]
	return due
}

// Forget drops a task's backoff policy once it reaches a terminal state.
func (q *retryQueue) Forget(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.policies, taskID)
}

// Len returns the number of queued retries.
func (q *retryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
