// Package circuitbreaker pauses a background job after repeated failures so a
// dead RPC endpoint or database is not hammered every tick.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/timelock-gifts/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed lets every call through
	StateClosed State = "closed"
	// StateOpen rejects calls until the cooldown elapses
	StateOpen State = "open"
	// StateHalfOpen lets a single probe call through
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned instead of running the call while the circuit is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	Name string
	// MaxFailures consecutive failures open the circuit
	MaxFailures int
	// Cooldown is how long the circuit stays open before a probe
	Cooldown time.Duration
}

// DefaultConfig returns the settings used by the workers
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxFailures: 5,
		Cooldown:    time.Minute,
	}
}

// CircuitBreaker trips after MaxFailures consecutive failures
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	logger      *logging.Logger

	mu               sync.Mutex
	state            State
	consecutiveFails int
	totalFailures    int
	openedAt         time.Time
	lastError        string

	now func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(cfg *Config) *CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: maxFailures,
		cooldown:    cfg.Cooldown,
		logger:      logging.Component("circuit_breaker").WithField("breaker", cfg.Name),
		state:       StateClosed,
		now:         time.Now,
	}
}

// Execute runs fn unless the circuit is open. Context cancellation is not
// counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.logger.Info("Circuit breaker probing after cooldown")
		return nil
	case StateHalfOpen:
		// a probe is already in flight
		return ErrCircuitOpen
	default:
		return nil
	}
}

// release returns a half-open breaker to open without counting the call
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state != StateClosed {
			cb.logger.Info("Circuit breaker closed after successful probe")
		}
		cb.state = StateClosed
		cb.consecutiveFails = 0
		return
	}

	cb.consecutiveFails++
	cb.totalFailures++
	cb.lastError = err.Error()

	if cb.state == StateHalfOpen || cb.consecutiveFails >= cb.maxFailures {
		if cb.state != StateOpen {
			cb.logger.WithError(err).WithFields(map[string]interface{}{
				"consecutive_failures": cb.consecutiveFails,
				"cooldown":             cb.cooldown.String(),
			}).Warn("Circuit breaker opened")
		}
		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of a breaker for health reporting
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	TotalFailures    int       `json:"totalFailures"`
	LastError        string    `json:"lastError,omitempty"`
	OpenedAt         time.Time `json:"openedAt,omitempty"`
}

// GetStats returns a snapshot of the breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return &Stats{
		Name:             cb.name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		TotalFailures:    cb.totalFailures,
		LastError:        cb.lastError,
		OpenedAt:         cb.openedAt,
	}
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.logger.Info("Circuit breaker manually reset")
}
