package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// newStoreBreaker builds the circuit breaker guarding store-backed queue
// operations. When the store becomes unreachable the breaker opens and the
// dispatcher refuses new dequeues until a half-open probe succeeds, so no
// state is silently dropped.
func newStoreBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 3, // Allow 3 probe requests in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Don't count shutdown as store failure
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})
}

// breakerOpen reports whether an error means the breaker refused the call.
func breakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
