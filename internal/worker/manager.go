package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/timelock-gifts/internal/logging"
)

// Runnable is a background job with a lifecycle
type Runnable interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
}

// Manager starts and stops a set of workers together
type Manager struct {
	mu      sync.Mutex
	workers []Runnable
	logger  *logging.Logger
}

// NewManager creates a manager for the given workers
func NewManager(workers ...Runnable) *Manager {
	return &Manager{
		workers: workers,
		logger:  logging.Component("worker_manager"),
	}
}

// Add registers another worker; it is not started automatically
func (m *Manager) Add(w Runnable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
}

// StartAll starts every worker. On failure the workers already started are
// stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	workers := append([]Runnable(nil), m.workers...)
	m.mu.Unlock()

	for i, w := range workers {
		if err := w.Start(ctx); err != nil {
			for _, started := range workers[:i] {
				_ = started.Stop(ctx)
			}
			return fmt.Errorf("failed to start %s: %w", w.Name(), err)
		}
	}
	m.logger.WithField("count", len(workers)).Info("Workers started")
	return nil
}

// StopAll stops every worker, returning the joined errors
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	workers := append([]Runnable(nil), m.workers...)
	m.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if err := w.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Statuses returns a snapshot of every worker
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.Status())
	}
	return out
}
