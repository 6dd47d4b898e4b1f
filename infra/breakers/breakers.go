// Package breakers wraps sony/gobreaker with the trip policy used for
// history source and result sink calls during batch recomputes.
package breakers

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker guards calls to a single backend. Trips on 3 consecutive
// failures, or on a >5% failure rate once at least 20 calls are seen
// in the rolling interval.
type Breaker struct {
	cb *cb.CircuitBreaker
}

// New creates a breaker named after the backend it protects.
func New(name string) *Breaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn under the breaker, recording the outcome.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// Name returns the backend name this breaker guards.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// State reports the current breaker state as a string for health output.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
