// Package worker runs the gift lifecycle's background jobs: the payment poll
// loop, the FundsLocked subscriber, the reaper sweeps and wallet pool upkeep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/timelock-gifts/internal/circuitbreaker"
	"github.com/timelock-gifts/internal/logging"
)

const defaultStopTimeout = 30 * time.Second

// TickFunc is one unit of periodic work
type TickFunc func(ctx context.Context) error

// PeriodicWorker runs a TickFunc on a fixed interval until stopped. Failing
// ticks trip a circuit breaker so a broken dependency is retried after a
// cooldown rather than on every tick.
type PeriodicWorker struct {
	name       string
	interval   time.Duration
	runOnStart bool
	tick       TickFunc
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logging.Logger

	mu          sync.RWMutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	lastRun     time.Time
	lastError   string
	runs        int64
	failedRuns  int64
	skippedRuns int64
}

// PeriodicConfig holds configuration for a periodic worker
type PeriodicConfig struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the first tick immediately instead of after one interval
	RunOnStart bool
	Tick       TickFunc
	Breaker    *circuitbreaker.Config
}

// NewPeriodicWorker creates a new periodic worker
func NewPeriodicWorker(cfg *PeriodicConfig) (*PeriodicWorker, error) {
	if cfg.Tick == nil {
		return nil, fmt.Errorf("worker %s: tick function cannot be nil", cfg.Name)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("worker %s: interval must be positive, got %v", cfg.Name, cfg.Interval)
	}

	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig(cfg.Name)
	}

	return &PeriodicWorker{
		name:       cfg.Name,
		interval:   cfg.Interval,
		runOnStart: cfg.RunOnStart,
		tick:       cfg.Tick,
		breaker:    circuitbreaker.NewCircuitBreaker(breakerCfg),
		logger:     logging.Component("worker").WithField("worker", cfg.Name),
	}, nil
}

// Name returns the worker name
func (w *PeriodicWorker) Name() string {
	return w.name
}

// Start launches the loop in a goroutine
func (w *PeriodicWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker %s is already running", w.name)
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	w.logger.WithField("interval", w.interval.String()).Info("Starting worker")
	go w.loop(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop signals the loop and waits for the in-flight tick to finish
func (w *PeriodicWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is not running", w.name)
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.running = false
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		w.logger.Info("Worker stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Worker stop timed out")
		return ctx.Err()
	case <-time.After(defaultStopTimeout):
		w.logger.Warn("Worker stop timed out")
		return fmt.Errorf("worker %s: stop timeout", w.name)
	}
}

func (w *PeriodicWorker) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	// the tick context ends on either signal so Stop interrupts long chain calls
	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-tickCtx.Done():
		}
	}()

	if w.runOnStart {
		w.RunOnce(tickCtx)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-tickCtx.Done():
			return
		case <-ticker.C:
			w.RunOnce(tickCtx)
		}
	}
}

// RunOnce executes a single tick through the breaker and records the outcome
func (w *PeriodicWorker) RunOnce(ctx context.Context) {
	start := time.Now()
	err := w.breaker.Execute(ctx, func() error { return w.tick(ctx) })

	w.mu.Lock()
	w.lastRun = start
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		w.skippedRuns++
	case err != nil:
		w.runs++
		w.failedRuns++
		w.lastError = err.Error()
	default:
		w.runs++
		w.lastError = ""
	}
	w.mu.Unlock()

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		w.logger.Debug("Circuit open, skipping tick")
	case err != nil && ctx.Err() == nil:
		w.logger.WithError(err).WithField("duration", time.Since(start).String()).Warn("Tick failed")
	case err == nil:
		w.logger.WithField("duration", time.Since(start).String()).Debug("Tick completed")
	}
}

// Status is a snapshot of a worker for the health endpoint
type Status struct {
	Name        string               `json:"name"`
	Running     bool                 `json:"running"`
	Interval    string               `json:"interval"`
	LastRun     time.Time            `json:"lastRun,omitempty"`
	LastError   string               `json:"lastError,omitempty"`
	Runs        int64                `json:"runs"`
	FailedRuns  int64                `json:"failedRuns"`
	SkippedRuns int64                `json:"skippedRuns"`
	Breaker     circuitbreaker.State `json:"breaker,omitempty"`
}

// Status returns a snapshot of the worker
func (w *PeriodicWorker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Status{
		Name:        w.name,
		Running:     w.running,
		Interval:    w.interval.String(),
		LastRun:     w.lastRun,
		LastError:   w.lastError,
		Runs:        w.runs,
		FailedRuns:  w.failedRuns,
		SkippedRuns: w.skippedRuns,
		Breaker:     w.breaker.GetState(),
	}
}
