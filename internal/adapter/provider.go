package adapter

import (
	"fmt"
	"sync"
	"time"
)

// Endpoints picks the RPC node the adapter talks to. Gift processing runs
// against a primary node and falls back to an optional secondary one.
type Endpoints interface {
	Primary() string
	Current() string

	// Failover moves to the other node; it fails when no secondary is configured
	Failover() error
	Reset()

	RecordSuccess(latency time.Duration)
	RecordFailure(err error)
	Healthy() bool
	Health() *EndpointHealth
}

// EndpointHealth summarises recent RPC outcomes for the health endpoint. URLs
// and raw errors are left out: hosted node URLs carry API keys.
type EndpointHealth struct {
	OnSecondary      bool          `json:"onSecondary"`
	Requests         int64         `json:"requests"`
	Failures         int64         `json:"failures"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	AverageLatency   time.Duration `json:"averageLatencyNs"`
	LastFailure      *time.Time    `json:"lastFailure,omitempty"`
	Healthy          bool          `json:"healthy"`
}

const (
	defaultMaxConsecutiveFails = 5
	defaultMinSuccessRate      = 0.5
	// below this many requests the success rate is ignored
	minHealthSamples = 10
)

// RPCEndpoints is the CHAIN_RPC_PRIMARY / CHAIN_RPC_SECONDARY pair
type RPCEndpoints struct {
	mu sync.RWMutex

	primary     string
	secondary   string
	onSecondary bool

	requests         int64
	failures         int64
	latency          time.Duration
	consecutiveFails int
	lastFailure      time.Time
	lastError        string

	maxConsecutiveFails int
	minSuccessRate      float64
}

// NewRPCEndpoints creates the endpoint pair; secondary may be empty
func NewRPCEndpoints(primary, secondary string) (*RPCEndpoints, error) {
	if primary == "" {
		return nil, fmt.Errorf("CHAIN_RPC_PRIMARY cannot be empty")
	}
	return &RPCEndpoints{
		primary:             primary,
		secondary:           secondary,
		maxConsecutiveFails: defaultMaxConsecutiveFails,
		minSuccessRate:      defaultMinSuccessRate,
	}, nil
}

// Primary returns the primary node URL
func (e *RPCEndpoints) Primary() string {
	return e.primary
}

// Current returns the node in use
func (e *RPCEndpoints) Current() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.onSecondary {
		return e.secondary
	}
	return e.primary
}

// Failover swaps primary and secondary and clears the failure streak
func (e *RPCEndpoints) Failover() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.secondary == "" {
		return fmt.Errorf("no secondary RPC endpoint configured")
	}
	e.onSecondary = !e.onSecondary
	e.consecutiveFails = 0
	return nil
}

// Reset goes back to the primary node
func (e *RPCEndpoints) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSecondary = false
	e.consecutiveFails = 0
}

// RecordSuccess counts a completed call
func (e *RPCEndpoints) RecordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests++
	e.latency += latency
	e.consecutiveFails = 0
}

// RecordFailure counts a transport failure
func (e *RPCEndpoints) RecordFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests++
	e.failures++
	e.consecutiveFails++
	e.lastFailure = time.Now()
	if err != nil {
		e.lastError = err.Error()
	}
}

// Healthy reports false after a failure streak or a poor success rate
func (e *RPCEndpoints) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthyLocked()
}

func (e *RPCEndpoints) healthyLocked() bool {
	if e.consecutiveFails >= e.maxConsecutiveFails {
		return false
	}
	if e.requests < minHealthSamples {
		return true
	}
	successRate := float64(e.requests-e.failures) / float64(e.requests)
	return successRate >= e.minSuccessRate
}

// Health returns a snapshot of the counters
func (e *RPCEndpoints) Health() *EndpointHealth {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := &EndpointHealth{
		OnSecondary:      e.onSecondary,
		Requests:         e.requests,
		Failures:         e.failures,
		ConsecutiveFails: e.consecutiveFails,
		Healthy:          e.healthyLocked(),
	}
	if successes := e.requests - e.failures; successes > 0 {
		h.AverageLatency = e.latency / time.Duration(successes)
	}
	if !e.lastFailure.IsZero() {
		at := e.lastFailure
		h.LastFailure = &at
	}
	return h
}

// LastError returns the most recent transport error, for logs only
func (e *RPCEndpoints) LastError() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}
