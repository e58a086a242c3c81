// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker protects an upstream dependency. It opens after maxFailures
// consecutive failures and stays open for the timeout before letting a single
// probe through.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a named circuit breaker.
func NewBreaker(name string, maxFailures int, timeout time.Duration) *Breaker {
	threshold := uint32(max(maxFailures, 1)) //nolint:gosec // bounded by config validation
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
	}
}

// Execute runs fn if the circuit is closed or half-open.
// Returns ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Open reports whether calls are currently being rejected.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}
