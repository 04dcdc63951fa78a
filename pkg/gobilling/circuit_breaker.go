package gobilling

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to an unreliable dependency.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	// State returns the current state of the circuit breaker.
	State() BreakerState
}

// BreakerConfig configures a ConsecutiveBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call is let through (default: 30s)
	ResetTimeout time.Duration

	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every non-nil error except context cancellation.
	IsFailure func(err error) bool

	// OnStateChange is called on every state change (optional)
	OnStateChange func(state BreakerState)

	Clock Clock
}

// ConsecutiveBreaker opens after a run of consecutive failures.
type ConsecutiveBreaker struct {
	mu sync.Mutex

	cfg                 BreakerConfig
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
}

// NewConsecutiveBreaker creates a breaker in the closed state.
func NewConsecutiveBreaker(cfg BreakerConfig) *ConsecutiveBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	return &ConsecutiveBreaker{cfg: cfg, state: BreakerClosed}
}

func (cb *ConsecutiveBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *ConsecutiveBreaker) currentState() BreakerState {
	if cb.state == BreakerOpen && cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}

func (cb *ConsecutiveBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.mu.Lock()
	state := cb.currentState()
	if state == BreakerOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	if state == BreakerHalfOpen {
		cb.changeState(BreakerHalfOpen)
	}
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && cb.cfg.IsFailure(err) {
		cb.consecutiveFailures++
		if cb.state == BreakerHalfOpen || cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.cfg.Clock.Now()
			cb.changeState(BreakerOpen)
		}
		return err
	}
	cb.consecutiveFailures = 0
	cb.changeState(BreakerClosed)
	return err
}

func (cb *ConsecutiveBreaker) changeState(next BreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(next)
	}
}
