package worker

import (
	"context"
	"time"

	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/service"
)

// PaymentPoller runs one payment reconciliation cycle
type PaymentPoller interface {
	PollOnce(ctx context.Context) (*service.PollStats, error)
}

// Sweeper runs the reaper's two sweeps
type Sweeper interface {
	SweepAutoTransfers(ctx context.Context) (*service.SweepResult, error)
	SweepExpired(ctx context.Context) (int, error)
}

// PoolKeeper keeps the wallet pool stocked and reclaims abandoned reservations
type PoolKeeper interface {
	EnsureMinimum(ctx context.Context, n int) (int, error)
	ReclaimOrphaned(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewPaymentPollWorker polls unpaid and unlocked gifts every interval
func NewPaymentPollWorker(poller PaymentPoller, interval time.Duration) (*PeriodicWorker, error) {
	logger := logging.Component("payment_poll")
	return NewPeriodicWorker(&PeriodicConfig{
		Name:       "payment_poll",
		Interval:   interval,
		RunOnStart: true,
		Tick: func(ctx context.Context) error {
			stats, err := poller.PollOnce(ctx)
			if err != nil {
				return err
			}
			if stats.Received+stats.Diverted+stats.Cancelled+stats.Confirmed+stats.Locked+stats.Errors > 0 {
				logger.WithFields(map[string]interface{}{
					"checked":   stats.Checked,
					"received":  stats.Received,
					"diverted":  stats.Diverted,
					"cancelled": stats.Cancelled,
					"confirmed": stats.Confirmed,
					"locked":    stats.Locked,
					"errors":    stats.Errors,
				}).Info("Payment poll cycle")
			}
			return nil
		},
	})
}

// NewAutoTransferWorker releases unlocked, unclaimed gifts every interval
func NewAutoTransferWorker(sweeper Sweeper, interval time.Duration) (*PeriodicWorker, error) {
	logger := logging.Component("auto_transfer")
	return NewPeriodicWorker(&PeriodicConfig{
		Name:     "auto_transfer",
		Interval: interval,
		Tick: func(ctx context.Context) error {
			result, err := sweeper.SweepAutoTransfers(ctx)
			if err != nil {
				return err
			}
			if result.Eligible > 0 {
				logger.WithFields(map[string]interface{}{
					"eligible":    result.Eligible,
					"transferred": result.Transferred,
					"failed":      result.Failed,
					"capped":      result.Capped,
				}).Info("Auto-transfer sweep")
			}
			return nil
		},
	})
}

// NewExpirySweepWorker expires stale unclaimed gifts every interval
func NewExpirySweepWorker(sweeper Sweeper, interval time.Duration) (*PeriodicWorker, error) {
	return NewPeriodicWorker(&PeriodicConfig{
		Name:       "expiry_sweep",
		Interval:   interval,
		RunOnStart: true,
		Tick: func(ctx context.Context) error {
			_, err := sweeper.SweepExpired(ctx)
			return err
		},
	})
}

// NewPoolMaintainer tops the wallet pool up to minSize and returns
// reservations older than reservationTTL that no gift uses
func NewPoolMaintainer(keeper PoolKeeper, minSize int, reservationTTL time.Duration, interval time.Duration) (*PeriodicWorker, error) {
	logger := logging.Component("pool_maintainer")
	return NewPeriodicWorker(&PeriodicConfig{
		Name:       "pool_maintainer",
		Interval:   interval,
		RunOnStart: true,
		Tick: func(ctx context.Context) error {
			generated, err := keeper.EnsureMinimum(ctx, minSize)
			if err != nil {
				return err
			}
			if generated > 0 {
				logger.WithField("generated", generated).Info("Topped up wallet pool")
			}

			_, err = keeper.ReclaimOrphaned(ctx, time.Now().UTC().Add(-reservationTTL))
			return err
		},
	})
}
