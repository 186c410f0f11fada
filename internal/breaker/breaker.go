// Package breaker implements a consecutive-failure circuit breaker with a
// half-open probe cooldown, used per-backend by the health aggregator and
// consulted by the router before dispatch.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

// CircuitBreaker trips Closed→Open after failureThresh consecutive
// failures, waits cooldown before allowing a single Half-Open probe, and
// closes again on that probe's success or reopens on its failure.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	cooldown         time.Duration
	failureThresh    int
	consecutiveFails int
	lastTransition   time.Time
	halfOpenInFlight bool
}

func New(failureThresh int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{state: Closed, cooldown: cooldown, failureThresh: failureThresh, lastTransition: time.Now()}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to Closed and clears its failure count, for
// manual operator intervention once a backend is known-good again.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Closed
	cb.consecutiveFails = 0
	cb.halfOpenInFlight = false
	cb.lastTransition = time.Now()
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			cb.state = HalfOpen
			cb.lastTransition = time.Now()
			// allow exactly one trial request once we enter HalfOpen
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Record feeds one call/probe outcome into the consecutive-failure counter.
// Closed→Open after failureThresh consecutive failures; in Half-Open the
// single trial request's outcome closes (success) or reopens (failure) the
// circuit.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()

	switch cb.state {
	case Closed:
		if ok {
			cb.consecutiveFails = 0
			return
		}
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.failureThresh {
			cb.state = Open
			cb.lastTransition = now
		}
	case HalfOpen:
		cb.halfOpenInFlight = false
		if ok {
			cb.state = Closed
			cb.consecutiveFails = 0
		} else {
			cb.state = Open
			cb.consecutiveFails = cb.failureThresh
		}
		cb.lastTransition = now
	case Open:
		// handled in Allow(); a Record reaching us here is a stale probe.
	}
}
