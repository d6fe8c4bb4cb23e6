package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/orbitlab/psuctl/pkg/errors"
)

// CircuitBreaker prevents cascading failures by fast-failing calls to a
// dependency that has recently been failing, instead of letting every
// caller wait out its own timeout.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int64
	successes int64
	openedAt  time.Time
}

// NewCircuitBreaker creates a circuit breaker starting in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn if the circuit allows it, and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Executor) error {
	if !cb.allow() {
		return errors.New("CIRCUIT_OPEN", "circuit breaker "+cb.cfg.Name+" is open", nil)
	}

	err := fn(ctx)
	cb.record(err == nil)
	return err
}

// allow reports whether a call may proceed, transitioning Open->HalfOpen
// once the timeout has elapsed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.Timeout {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	cb.successes = 0
	if cb.state == StateHalfOpen {
		cb.transition(StateOpen)
		return
	}

	cb.failures++
	if cb.failures >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen)
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	if to == StateClosed {
		cb.failures = 0
		cb.successes = 0
	}
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
