package gateway

import (
	"sync"
	"time"
)

// BreakerState represents circuit breaker state
type BreakerState string

const (
	BreakerStateClosed   BreakerState = "closed"
	BreakerStateOpen     BreakerState = "open"
	BreakerStateHalfOpen BreakerState = "half_open"
)

// CircuitBreaker prevents hammering a backend that keeps failing. It
// opens after threshold consecutive failures and lets a probe through
// once the cooldown has passed.
type CircuitBreaker struct {
	failureCount int
	lastFailure  time.Time
	state        BreakerState
	cooldown     time.Duration
	threshold    int
	mu           sync.Mutex
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		state:     BreakerStateClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// CanRequest checks if requests can be made
func (cb *CircuitBreaker) CanRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerStateClosed, BreakerStateHalfOpen:
		return true
	case BreakerStateOpen:
		if time.Since(cb.lastFailure) > cb.cooldown {
			cb.state = BreakerStateHalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state == BreakerStateHalfOpen {
		cb.state = BreakerStateClosed
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailure = time.Now()

	if cb.state == BreakerStateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = BreakerStateOpen
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
