package dispatch

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/events"
	"github.com/taskforge/taskforge/internal/exec"
	"github.com/taskforge/taskforge/internal/metrics"
	"github.com/taskforge/taskforge/internal/pool"
	"github.com/taskforge/taskforge/internal/queue"
	"github.com/taskforge/taskforge/internal/task"
)

// Dispatcher polls the queue for eligible work, matches it to an idle
// agent, and routes execution results back through the queue service.
// Payload execution runs in worker goroutines gated by a bounded permit
// pool; the polling loop itself never blocks on a running task.
type Dispatcher struct {
	cfg      config.DispatchConfig
	queue    *queue.Service
	pool     *pool.Pool
	executor exec.Executor
	bus      *events.Bus
	metrics  *metrics.Metrics
	breaker  *gobreaker.CircuitBreaker
	retries  *retryQueue
	permits  *semaphore.Weighted
	inFlight atomic.Int64
	timeout  time.Duration
}

// New creates a dispatcher.
func New(cfg config.DispatchConfig, retryCfg config.RetryConfig, q *queue.Service, p *pool.Pool, ex exec.Executor, bus *events.Bus, m *metrics.Metrics) *Dispatcher {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	timeout := time.Duration(cfg.ExecutionTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Hour
	}

	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		pool:     p,
		executor: ex,
		bus:      bus,
		metrics:  m,
		breaker:  newStoreBreaker(),
		retries:  newRetryQueue(retryCfg),
		permits:  semaphore.NewWeighted(int64(maxConcurrent)),
		timeout:  timeout,
	}
}

// Run drives the scheduling loop until ctx is cancelled. Health checks,
// priority recalculation, and pool scaling run on their own timers and
// never hold the queue's lock across a blocking call.
func (d *Dispatcher) Run(ctx context.Context) error {
	poll := time.NewTicker(d.interval(d.cfg.PollIntervalMS, 500*time.Millisecond))
	defer poll.Stop()
	health := time.NewTicker(d.interval(d.cfg.HealthCheckIntervalMS, 30*time.Second))
	defer health.Stop()
	recalc := time.NewTicker(d.interval(d.cfg.RecalcIntervalMS, 30*time.Second))
	defer recalc.Stop()

	g, gctx := errgroup.WithContext(ctx)

	for {
		select {
		case <-ctx.Done():
			// Wait for in-flight tasks before reporting shutdown
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("ERROR: worker group: %v", err)
			}
			return ctx.Err()

		case <-poll.C:
			d.Tick(gctx, g)

		case <-health.C:
			now := time.Now().UTC()
			if err := d.pool.CheckHealth(ctx, now); err != nil {
				log.Printf("ERROR: health check: %v", err)
			}
			d.updateGauges(ctx)

		case <-recalc.C:
			if err := d.queue.RecalculateAll(ctx); err != nil {
				log.Printf("ERROR: priority recalculation: %v", err)
			}
			if err := d.scale(ctx); err != nil {
				log.Printf("ERROR: pool scaling: %v", err)
			}
		}
	}
}

// Tick runs a single scheduling iteration: promote due retries, then
// dispatch ready tasks until permits, agents, or work run out.
func (d *Dispatcher) Tick(ctx context.Context, g *errgroup.Group) {
	now := time.Now().UTC()
	for _, id := range d.retries.Due(now) {
		if err := d.queue.PromoteRetry(ctx, id); err != nil {
			log.Printf("ERROR: promoting retry for task %q: %v", id, err)
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// Nothing to assign work to; scale will grow the pool
		if idle, _ := d.pool.Counts(); idle == 0 {
			return
		}

		if !d.permits.TryAcquire(1) {
			return
		}

		t, err := d.dequeue(ctx)
		if err != nil {
			d.permits.Release(1)
			if breakerOpen(err) {
				d.metrics.DequeueRefused.Inc()
				return
			}
			log.Printf("ERROR: dequeue: %v", err)
			return
		}
		if t == nil {
			d.permits.Release(1)
			return
		}

		agent, err := d.pool.Acquire(ctx, t.AgentType, t.ID)
		if err != nil {
			d.permits.Release(1)
			// Claimed but unassignable; fail it back into the retry path
			if _, failErr := d.queue.Fail(ctx, t.ID, err); failErr != nil {
				log.Printf("ERROR: failing unassignable task %q: %v", t.ID, failErr)
			} else {
				d.retries.Schedule(t.ID, now)
			}
			return
		}

		d.bus.Publish(events.TopicTask, events.TaskStartedEvent{ID: t.ID, AgentID: agent.ID, Timestamp: now})

		claimed := t
		assigned := agent
		d.inFlight.Add(1)
		d.updatePermitGauge()
		g.Go(func() error {
			defer func() {
				d.inFlight.Add(-1)
				d.updatePermitGauge()
				d.permits.Release(1)
				if err := d.pool.Release(context.WithoutCancel(ctx), assigned.ID); err != nil {
					log.Printf("ERROR: releasing agent %q: %v", assigned.ID, err)
				}
			}()
			d.execute(ctx, claimed)
			return nil
		})
	}
}

// dequeue claims the next ready task through the store circuit breaker.
func (d *Dispatcher) dequeue(ctx context.Context) (*task.Task, error) {
	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.queue.DequeueNextReady(ctx)
	})
	if err != nil {
		return nil, err
	}
	t, _ := result.(*task.Task)
	return t, nil
}

// execute runs a claimed task's payload under the per-task timeout and
// routes the outcome: completion, validation, or failure with retry.
func (d *Dispatcher) execute(ctx context.Context, t *task.Task) {
	tctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	for {
		result, err := d.executor.Execute(tctx, t)
		if err != nil {
			// Shutdown interrupted the payload: leave the task Running so
			// startup recovery requeues it instead of burning a retry.
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				log.Printf("WARNING: task %q interrupted by shutdown, left for recovery", t.ID)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) && tctx.Err() != nil {
				err = &task.ExecutionTimeoutError{TaskID: t.ID, Timeout: d.timeout}
			}
			d.failTask(ctx, t.ID, err)
			return
		}

		if !t.RequiresValidation {
			if _, err := d.queue.Complete(ctx, t.ID, result.Output); err != nil {
				log.Printf("ERROR: completing task %q: %v", t.ID, err)
			}
			d.retries.Forget(t.ID)
			return
		}

		if err := d.queue.MarkAwaitingValidation(ctx, t.ID, result.Output); err != nil {
			log.Printf("ERROR: parking task %q for validation: %v", t.ID, err)
			return
		}
		if err := d.queue.StartValidation(ctx, t.ID); err != nil {
			log.Printf("ERROR: starting validation for task %q: %v", t.ID, err)
			return
		}

		validated, verr := d.executor.Validate(tctx, t)
		if verr == nil {
			if _, err := d.queue.PassValidation(ctx, t.ID, validated.Output); err != nil {
				log.Printf("ERROR: passing validation for task %q: %v", t.ID, err)
			}
			d.retries.Forget(t.ID)
			return
		}
		if errors.Is(verr, context.Canceled) && ctx.Err() != nil {
			log.Printf("WARNING: task %q validation interrupted by shutdown, left for recovery", t.ID)
			return
		}

		remediate, err := d.queue.FailValidation(ctx, t.ID, verr)
		if err != nil {
			log.Printf("ERROR: failing validation for task %q: %v", t.ID, err)
			return
		}
		if !remediate {
			d.retries.Forget(t.ID)
			return
		}
		// Remediation cycle: the task is Running again, re-execute
	}
}

// failTask records a failure and schedules a retry unless terminal.
func (d *Dispatcher) failTask(ctx context.Context, taskID string, failure error) {
	// Use a fresh update context so shutdown doesn't lose the outcome
	outcome, err := d.queue.Fail(context.WithoutCancel(ctx), taskID, failure)
	if err != nil {
		log.Printf("ERROR: failing task %q: %v", taskID, err)
		return
	}

	if outcome.Terminal {
		d.retries.Forget(taskID)
		return
	}

	dueAt := d.retries.Schedule(taskID, time.Now().UTC())
	log.Printf("WARNING: task %q failed (attempt %d), retry due %s", taskID, outcome.RetryCount, dueAt.Format(time.RFC3339))
}

// scale feeds schedulable demand to the pool.
func (d *Dispatcher) scale(ctx context.Context) error {
	ready, err := d.queue.List(ctx, task.StatusReady, task.StatusPending)
	if err != nil {
		return err
	}

	pendingByType := make(map[string]int)
	for _, t := range ready {
		pendingByType[t.AgentType]++
	}
	return d.pool.Scale(ctx, pendingByType)
}

// updateGauges refreshes the monitoring gauges from current state.
func (d *Dispatcher) updateGauges(ctx context.Context) {
	counts, err := d.queue.StatusCounts(ctx)
	if err != nil {
		log.Printf("ERROR: reading status counts: %v", err)
		return
	}

	d.metrics.ReadyTasks.Set(float64(counts[task.StatusReady]))
	d.metrics.BlockedTasks.Set(float64(counts[task.StatusBlocked]))
	d.metrics.RunningTasks.Set(float64(counts[task.StatusRunning]))

	_, busy := d.pool.Counts()
	d.metrics.BusyAgents.Set(float64(busy))
	d.updatePermitGauge()
}

func (d *Dispatcher) updatePermitGauge() {
	max := d.cfg.MaxConcurrent
	if max <= 0 {
		max = 4
	}
	d.metrics.PermitUtilization.Set(float64(d.inFlight.Load()) / float64(max))
}

// RetryQueueLen reports how many tasks are waiting on backoff.
func (d *Dispatcher) RetryQueueLen() int {
	return d.retries.Len()
}

func (d *Dispatcher) interval(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
