// Package service holds the gift lifecycle: creation, payment reconciliation,
// locking, claims and the expiry reaper. Every state change goes through a
// conditional store update, so the event and poll paths may race freely.
package service

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/storage"
	"github.com/timelock-gifts/internal/wallet"
)

// GiftStore is the gift record store. It is satisfied by storage.GiftRepository.
type GiftStore interface {
	Create(ctx context.Context, g *models.Gift) error
	GetByCode(ctx context.Context, code string) (*models.Gift, error)
	GetByChainGiftID(ctx context.Context, chainGiftID string) (*models.Gift, error)

	Cancel(ctx context.Context, code string, paymentExpired bool) (bool, error)
	AdvancePayment(ctx context.Context, code string, update storage.PaymentUpdate) (bool, error)
	RecordDiversion(ctx context.Context, code string, txHash *string, reason string) error

	AcquireLockLease(ctx context.Context, code string, lease time.Duration) (bool, error)
	MarkLocked(ctx context.Context, code string, lockTxHash string) (bool, error)
	RecordLockFailure(ctx context.Context, code string, reason string, maxAttempts int) (*storage.LockFailure, error)
	RecordFeeForward(ctx context.Context, code string, feeTxHash *string, profit decimal.Decimal) error

	Claim(ctx context.Context, code string, claimant string, at time.Time) (*models.Gift, error)
	ListClaimedBy(ctx context.Context, email string, limit, offset int) ([]*models.Gift, int, error)

	ListPendingPayments(ctx context.Context, limit int) ([]*models.Gift, error)
	ListPaidUnconfirmed(ctx context.Context, limit int) ([]*models.Gift, error)
	ListAwaitingLock(ctx context.Context, maxAttempts int, limit int) ([]*models.Gift, error)

	ListAutoTransferEligible(ctx context.Context, now time.Time, maxAttempts int, limit int) ([]*models.Gift, error)
	RecordAutoTransfer(ctx context.Context, code string, txHash string, at time.Time) error
	RecordAutoTransferFailure(ctx context.Context, code string, reason string, at time.Time, maxAttempts int) (int, error)
	ResetAutoTransfer(ctx context.Context, code string) (bool, error)
	ExpireUnclaimed(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Wallets is the part of the wallet pool the lifecycle needs. It is satisfied by wallet.Pool.
type Wallets interface {
	Reserve(ctx context.Context) (*models.Wallet, error)
	Release(ctx context.Context, address string) error
	Lookup(ctx context.Context, address string) (*models.Wallet, error)
	SigningKey(ctx context.Context, address string) (*ecdsa.PrivateKey, error)
	Disclose(ctx context.Context, address string) (*wallet.KeyMaterial, error)
}

// LockContract submits transactions to the time-lock contract. It is satisfied by giftlock.Client.
type LockContract interface {
	Lock(ctx context.Context, key *ecdsa.PrivateKey, giftID [32]byte, recipient common.Address, unlockTime *big.Int, value *big.Int) (common.Hash, error)
	Release(ctx context.Context, key *ecdsa.PrivateKey, giftID [32]byte) (common.Hash, error)
}

// AuditSink receives lifecycle events. It is satisfied by storage.AuditRepository.
type AuditSink interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// NopAudit drops every event; used when the audit store is disabled
type NopAudit struct{}

// Record implements AuditSink
func (NopAudit) Record(context.Context, *models.AuditEvent) error { return nil }

// emit records an audit event; a failing audit store never fails the transition
func emit(ctx context.Context, sink AuditSink, logger *logging.Logger, event *models.AuditEvent) {
	if err := sink.Record(ctx, event); err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"gift_code":  event.GiftCode,
			"event_type": string(event.EventType),
		}).Warn("Failed to record audit event")
	}
}
