package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intake/internal/logging"
)

// CircuitState is the position of a CircuitBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

var circuitStateNames = map[CircuitState]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := circuitStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// CircuitBreakerConfig is the breaker section of a backend config. Zero
// values take the defaults.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"` // consecutive failures that open the circuit
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold"` // half-open successes that close it
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`                     // how long it stays open before a probe
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// CircuitBreaker stops calling a backend after FailureThreshold consecutive
// failures. While open every call fails fast with a DegradedError; after
// Timeout calls are let through as probes until SuccessThreshold of them
// succeed.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger("circuit-breaker"),
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open and records the result.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Mark(err)
	return err
}

// Allow reports whether a call may proceed. Pair it with Mark when the
// outcome is only known after inspecting the response.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return nil
	}
	wait := cb.cfg.Timeout - cb.now().Sub(cb.openedAt)
	if wait <= 0 {
		cb.moveTo(StateHalfOpen)
		return nil
	}
	return NewDegradedError(
		fmt.Errorf("circuit breaker open for %s", cb.name),
		fmt.Sprintf("%s is unavailable after repeated failures, retry in %v", cb.name, wait),
	)
}

// Mark records one outcome; nil is a success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.moveTo(StateClosed)
			}
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.moveTo(StateOpen)
		}
	case StateHalfOpen:
		cb.moveTo(StateOpen)
	}
}

// moveTo changes state and resets the counters. Callers hold mu.
func (cb *CircuitBreaker) moveTo(next CircuitState) {
	if next == StateOpen {
		cb.openedAt = cb.now()
		cb.logger.Warn("[%s] circuit %s -> open after %d failures", cb.name, cb.state, max(cb.failures, 1))
	} else {
		cb.logger.Info("[%s] circuit %s -> %s", cb.name, cb.state, next)
	}
	cb.state = next
	cb.failures = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
}
