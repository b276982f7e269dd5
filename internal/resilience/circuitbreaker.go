package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker's state.
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

// ErrCircuitOpen is returned by ExecuteWithContext while the breaker is
// open, or half-open with its probe budget already used.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// CircuitBreakerConfig configures trip/reset behavior.
type CircuitBreakerConfig struct {
	Name          string
	MaxRequests   uint32 // requests allowed through while half-open
	Timeout       time.Duration
	ReadyToTrip   func(consecutiveFailures uint32) bool
	OnStateChange func(name string, from, to State)
}

// DefaultCircuitBreakerConfig trips once consecutive failures exceed 5 (on
// the sixth) and probes again after a minute.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:        "default",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(consecutiveFailures uint32) bool { return consecutiveFailures > 5 },
	}
}

// CircuitBreaker implements the standard closed/open/half-open pattern.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu                   sync.Mutex
	state                State
	generation           uint64
	requests             uint32
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	expiry               time.Time
}

// NewCircuitBreaker builds a breaker, filling zero-valued fields in cfg
// from DefaultCircuitBreakerConfig.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	d := DefaultCircuitBreakerConfig()
	if cfg.Name != "" {
		d.Name = cfg.Name
	}
	if cfg.MaxRequests > 0 {
		d.MaxRequests = cfg.MaxRequests
	}
	if cfg.Timeout > 0 {
		d.Timeout = cfg.Timeout
	}
	if cfg.ReadyToTrip != nil {
		d.ReadyToTrip = cfg.ReadyToTrip
	}
	d.OnStateChange = cfg.OnStateChange

	cb := &CircuitBreaker{config: d, state: StateClosed}
	cb.toNewGeneration(time.Now())
	return cb
}

// State reports the breaker's current state, accounting for timeout-driven
// transitions.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// ExecuteWithContext runs fn if the breaker allows it.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.afterRequest(generation, err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.requests >= cb.config.MaxRequests {
		return generation, ErrCircuitOpen
	}

	cb.requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
		if cb.consecutiveSuccesses >= cb.config.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		if cb.config.ReadyToTrip(cb.consecutiveFailures) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && !cb.expiry.IsZero() && cb.expiry.Before(now) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.requests = 0
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0

	if cb.state == StateOpen {
		cb.expiry = now.Add(cb.config.Timeout)
	} else {
		cb.expiry = time.Time{}
	}
}
