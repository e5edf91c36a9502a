// Package reliability provides the fault-tolerance primitives used around
// the vault's external dependencies: a circuit breaker for the content
// store and bounded exponential-backoff retry for ledger anchoring.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	// StateClosed - normal operation, calls pass through.
	StateClosed CircuitState = iota
	// StateOpen - calls fail fast without reaching the backend.
	StateOpen
	// StateHalfOpen - cool-down elapsed, trial calls allowed.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// circuit from CLOSED to OPEN.
	FailureThreshold int
	// SuccessThreshold is the number of successful trial calls required to
	// close the circuit from HALF_OPEN.
	SuccessThreshold int
	// Cooldown is how long the circuit stays OPEN before allowing trials.
	Cooldown time.Duration
	// MaxTrialCalls bounds concurrent calls in HALF_OPEN.
	MaxTrialCalls int
	// OnStateChange is invoked on every transition.
	OnStateChange func(name string, from, to CircuitState)
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxTrialCalls <= 0 {
		c.MaxTrialCalls = 1
	}
	if c.OnStateChange == nil {
		c.OnStateChange = func(string, CircuitState, CircuitState) {}
	}
}

// CircuitBreaker isolates callers from a degraded dependency by failing
// fast once a failure threshold is exceeded.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	trialCalls  int
	reopenAfter time.Time
	lastFailure time.Time
}

// NewCircuitBreaker creates a circuit breaker in the CLOSED state.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Execute runs fn under circuit breaker protection. When the circuit is
// OPEN it returns a *CircuitOpenError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.state == StateOpen && now.After(cb.reopenAfter) {
		cb.transition(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		return &CircuitOpenError{Circuit: cb.name, RetryAt: cb.reopenAfter}
	case StateHalfOpen:
		if cb.trialCalls >= cb.config.MaxTrialCalls {
			return &CircuitOpenError{Circuit: cb.name, RetryAt: cb.reopenAfter}
		}
		cb.trialCalls++
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.trialCalls--
	}

	if err != nil {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.reopenAfter = time.Now().Add(cb.config.Cooldown)
	cb.transition(StateOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	switch to {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.reopenAfter = time.Time{}
	case StateOpen:
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
		cb.trialCalls = 0
	}
	cb.config.OnStateChange(cb.name, from, to)
}

// State returns the current state, transitioning OPEN to HALF_OPEN when the
// cool-down has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Now().After(cb.reopenAfter) {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

// Stats is a snapshot of breaker counters for health reporting.
type Stats struct {
	Name        string       `json:"name"`
	State       CircuitState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
	RetryAt     time.Time    `json:"retry_at,omitempty"`
}

// Stats returns current breaker counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:        cb.name,
		State:       cb.state,
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		RetryAt:     cb.reopenAfter,
	}
}

// CircuitOpenError is returned when a call is rejected because the circuit
// is open.
type CircuitOpenError struct {
	Circuit string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, next attempt allowed at %s",
		e.Circuit, e.RetryAt.Format(time.RFC3339))
}

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}
