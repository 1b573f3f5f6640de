package resilience

import (
	"errors"
	"sync"
	"time"
)

// State is one of a CircuitBreaker's three states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one outbound transport (spec.md §4.8: "a circuit
// breaker per transport name"). Node keeps one instance per transport,
// created lazily on first use and reused across every recipient that
// transport is tried for, so a string of failures against any one endpoint
// opens the breaker for every recipient sent over that transport.
type CircuitBreaker struct {
	mu sync.RWMutex

	maxFailures      int
	resetTimeout     time.Duration
	halfOpenRequests int

	state            State
	failures         int
	lastFailureTime  time.Time
	halfOpenAttempts int
}

// NewCircuitBreaker builds a breaker that opens after maxFailures
// consecutive failures and stays open for resetTimeout before allowing one
// trial call through in the half-open state.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:      maxFailures,
		resetTimeout:     resetTimeout,
		halfOpenRequests: 1,
		state:            StateClosed,
	}
}

// Execute runs fn if the breaker's current state allows it, recording the
// outcome. Returns ErrCircuitOpen/ErrTooManyRequests without calling fn when
// the breaker is tripped, otherwise returns fn's own error.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenAttempts = 0
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if cb.halfOpenAttempts >= cb.halfOpenRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenAttempts++
		return nil

	default:
		return ErrUnknownState
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if err != nil {
			cb.failures++
			cb.lastFailureTime = time.Now()
			if cb.failures >= cb.maxFailures {
				cb.state = StateOpen
			}
		} else {
			cb.failures = 0
		}

	case StateHalfOpen:
		if err != nil {
			cb.state = StateOpen
			cb.failures = 1
			cb.lastFailureTime = time.Now()
		} else {
			cb.state = StateClosed
			cb.failures = 0
		}
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the consecutive-failure count accumulated in the closed
// state (reset to zero on any success, and set to one when a half-open
// trial call fails).
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset forces the breaker back to closed, discarding any recorded
// failures, without waiting out resetTimeout.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.halfOpenAttempts = 0
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker: circuit is open")
	ErrTooManyRequests = errors.New("circuit breaker: too many requests in half-open state")
	ErrUnknownState    = errors.New("circuit breaker: unknown state")
)
