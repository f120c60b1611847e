package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timelock-gifts/internal/contracts/giftlock"
	"github.com/timelock-gifts/internal/logging"
)

const (
	checkpointName = "funds_locked"
	backfillChunk  = 2000
)

// FundsLockedSource streams and replays FundsLocked logs
type FundsLockedSource interface {
	WatchFundsLocked(ctx context.Context) (<-chan *giftlock.FundsLockedEvent, <-chan error, error)
	FilterFundsLocked(ctx context.Context, fromBlock, toBlock uint64) ([]*giftlock.FundsLockedEvent, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// FundsLockedHandler applies a FundsLocked log to the gift records
type FundsLockedHandler interface {
	HandleFundsLocked(ctx context.Context, ev *giftlock.FundsLockedEvent) error
}

// Checkpoints persists how far the subscriber has processed
type Checkpoints interface {
	LastBlock(ctx context.Context, name string) (uint64, error)
	SaveBlock(ctx context.Context, name string, block uint64) error
}

// SubscriberConfig holds configuration for the event subscriber
type SubscriberConfig struct {
	Source         FundsLockedSource
	Handler        FundsLockedHandler
	Checkpoints    Checkpoints
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// EventSubscriber is the push side of payment observation. It replays logs
// missed since its checkpoint, then follows the live subscription, and
// reconnects with doubling backoff. After MaxAttempts consecutive failed
// sessions it gives up and leaves reconciliation to the poll worker.
type EventSubscriber struct {
	source         FundsLockedSource
	handler        FundsLockedHandler
	checkpoints    Checkpoints
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *logging.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	handled int64
	failed  int64
	lastErr string
}

// NewEventSubscriber creates a new event subscriber
func NewEventSubscriber(cfg *SubscriberConfig) (*EventSubscriber, error) {
	if cfg.Source == nil || cfg.Handler == nil || cfg.Checkpoints == nil {
		return nil, fmt.Errorf("event subscriber needs a source, a handler and checkpoints")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initial {
		maxBackoff = initial
	}

	return &EventSubscriber{
		source:         cfg.Source,
		handler:        cfg.Handler,
		checkpoints:    cfg.Checkpoints,
		maxAttempts:    maxAttempts,
		initialBackoff: initial,
		maxBackoff:     maxBackoff,
		logger:         logging.Component("event_subscriber"),
	}, nil
}

// Name returns the worker name
func (s *EventSubscriber) Name() string {
	return "event_subscriber"
}

// Start runs the subscriber in a goroutine
func (s *EventSubscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("event subscriber is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := s.Run(runCtx); err != nil {
			s.logger.WithError(err).Error("Event subscriber stopped; payments are observed by polling only")
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}(s.doneCh)
	return nil
}

// Stop cancels the subscription and waits for it to wind down
func (s *EventSubscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.doneCh
	s.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("event subscriber was never started")
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx ends or reconnection attempts are exhausted
func (s *EventSubscriber) Run(ctx context.Context) error {
	backoff := s.initialBackoff
	failures := 0

	for {
		subscribed, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			// the session got as far as a live subscription; start the count over
			failures = 0
			backoff = s.initialBackoff
		}
		failures++
		s.recordError(err)

		if failures >= s.maxAttempts {
			return fmt.Errorf("giving up after %d failed subscription attempts: %w", failures, err)
		}

		s.logger.WithError(err).WithFields(map[string]interface{}{
			"attempt": failures,
			"backoff": backoff.String(),
		}).Warn("Event subscription lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// session subscribes, replays the gap since the checkpoint and then follows
// live logs until the subscription fails. Subscribing first means no log
// falls between the replay and the stream.
func (s *EventSubscriber) session(ctx context.Context) (bool, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errs, err := s.source.WatchFundsLocked(sessionCtx)
	if err != nil {
		return false, err
	}

	if err := s.backfill(sessionCtx); err != nil {
		return false, err
	}
	s.logger.Info("Following FundsLocked events")

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-errs:
			return true, err
		case ev, ok := <-events:
			if !ok {
				select {
				case err := <-errs:
					return true, err
				default:
					return true, fmt.Errorf("event stream closed")
				}
			}
			s.handle(ctx, ev)
			// rescan the event's block on restart; handling is idempotent
			if ev.BlockNum > 0 {
				s.saveCheckpoint(ctx, ev.BlockNum-1)
			}
		}
	}
}

// backfill replays logs between the checkpoint and the current head. A fresh
// deployment with no checkpoint starts from the head.
func (s *EventSubscriber) backfill(ctx context.Context) error {
	head, err := s.source.LatestBlock(ctx)
	if err != nil {
		return err
	}
	last, err := s.checkpoints.LastBlock(ctx, checkpointName)
	if err != nil {
		return err
	}
	if last == 0 {
		s.saveCheckpoint(ctx, head)
		return nil
	}
	if last >= head {
		return nil
	}

	s.logger.WithFields(map[string]interface{}{
		"from": last + 1,
		"to":   head,
	}).Info("Replaying missed FundsLocked events")

	for from := last + 1; from <= head; from += backfillChunk {
		to := from + backfillChunk - 1
		if to > head {
			to = head
		}
		events, err := s.source.FilterFundsLocked(ctx, from, to)
		if err != nil {
			return err
		}
		for _, ev := range events {
			s.handle(ctx, ev)
		}
		s.saveCheckpoint(ctx, to)
	}
	return nil
}

func (s *EventSubscriber) handle(ctx context.Context, ev *giftlock.FundsLockedEvent) {
	err := s.handler.HandleFundsLocked(ctx, ev)

	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.handled++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"gift_id": ev.GiftIDHex(),
			"tx_hash": ev.TxHash.Hex(),
		}).Warn("Failed to apply FundsLocked event, poll worker will reconcile")
	}
}

func (s *EventSubscriber) saveCheckpoint(ctx context.Context, block uint64) {
	if err := s.checkpoints.SaveBlock(ctx, checkpointName, block); err != nil {
		s.logger.WithError(err).WithField("block", block).Warn("Failed to save checkpoint")
	}
}

func (s *EventSubscriber) recordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// Status returns a snapshot of the subscriber
func (s *EventSubscriber) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Name:       s.Name(),
		Running:    s.running,
		LastError:  s.lastErr,
		Runs:       s.handled,
		FailedRuns: s.failed,
	}
}
