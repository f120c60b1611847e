package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/timelock-gifts/internal/adapter"
	"github.com/timelock-gifts/internal/config"
	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/types"
)

var errNoOperatorKey = errors.New("operator key not configured")

// Reaper releases unlocked gifts nobody claimed and expires stale ones
type Reaper struct {
	gifts       GiftStore
	chain       adapter.ChainAdapter
	contract    LockContract
	operatorKey *ecdsa.PrivateKey
	audit       AuditSink
	cfg         config.ReaperConfig
	logger      *logging.Logger

	now func() time.Time
}

// NewReaper creates a reaper. operatorKey may be nil, in which case every
// auto-transfer attempt fails and is recorded as such.
func NewReaper(
	gifts GiftStore,
	chain adapter.ChainAdapter,
	contract LockContract,
	operatorKey *ecdsa.PrivateKey,
	audit AuditSink,
	cfg config.ReaperConfig,
) *Reaper {
	if audit == nil {
		audit = NopAudit{}
	}
	return &Reaper{
		gifts:       gifts,
		chain:       chain,
		contract:    contract,
		operatorKey: operatorKey,
		audit:       audit,
		cfg:         cfg,
		logger:      logging.Component("reaper"),
		now:         time.Now,
	}
}

// SweepResult summarizes an auto-transfer sweep
type SweepResult struct {
	Eligible    int
	Transferred int
	Failed      int
	Capped      int
}

// SweepAutoTransfers attempts a release for every eligible gift. A failing
// gift is recorded and the sweep moves on.
func (r *Reaper) SweepAutoTransfers(ctx context.Context) (*SweepResult, error) {
	now := r.now().UTC()
	gifts, err := r.gifts.ListAutoTransferEligible(ctx, now, r.cfg.MaxAutoTransferAttempts, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Eligible: len(gifts)}
	for _, g := range gifts {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		txHash, err := r.release(ctx, g)
		if err == nil {
			if err := r.gifts.RecordAutoTransfer(ctx, g.GiftCode, txHash, now); err != nil {
				r.logger.WithError(err).WithField("gift_code", g.GiftCode).Error("Release succeeded but could not be recorded")
				continue
			}
			result.Transferred++
			r.logger.WithFields(map[string]interface{}{
				"gift_code": g.GiftCode,
				"tx_hash":   txHash,
			}).Info("Auto-transferred unlocked gift")
			emit(ctx, r.audit, r.logger, models.NewAuditEvent(g.GiftCode, types.AuditAutoTransfer, types.SourceReaper, "",
				map[string]string{"tx_hash": txHash}))
			continue
		}

		result.Failed++
		attempts, recErr := r.gifts.RecordAutoTransferFailure(ctx, g.GiftCode, err.Error(), now, r.cfg.MaxAutoTransferAttempts)
		if recErr != nil {
			r.logger.WithError(recErr).WithField("gift_code", g.GiftCode).Error("Failed to record auto-transfer failure")
			continue
		}

		entry := r.logger.WithError(err).WithFields(map[string]interface{}{
			"gift_code": g.GiftCode,
			"attempts":  attempts,
		})
		if attempts >= r.cfg.MaxAutoTransferAttempts {
			result.Capped++
			entry.Error("Auto-transfer attempt cap reached, operator action required")
		} else {
			entry.Warn("Auto-transfer attempt failed")
		}
		emit(ctx, r.audit, r.logger, models.NewAuditEvent(g.GiftCode, types.AuditAutoTransferFailed, types.SourceReaper, "",
			map[string]string{"error": err.Error()}))
	}

	return result, nil
}

func (r *Reaper) release(ctx context.Context, g *models.Gift) (string, error) {
	if r.operatorKey == nil {
		return "", errNoOperatorKey
	}

	hash, err := r.contract.Release(ctx, r.operatorKey, common.HexToHash(g.ChainGiftID))
	if err != nil {
		return "", err
	}
	txHash := strings.ToLower(hash.Hex())

	receipt, err := r.chain.WaitForReceipt(ctx, txHash)
	if err != nil {
		return "", err
	}
	if !receipt.Succeeded() {
		return "", apperrors.NewContractError("release", txHash, errors.New("transaction reverted"))
	}
	return txHash, nil
}

// SweepExpired expires every unclaimed gift whose unlock date is older than
// the grace window, in one bulk update
func (r *Reaper) SweepExpired(ctx context.Context) (int, error) {
	cutoff := r.now().UTC().Add(-r.cfg.ExpiryGrace)
	codes, err := r.gifts.ExpireUnclaimed(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, code := range codes {
		emit(ctx, r.audit, r.logger, models.NewAuditEvent(code, types.AuditExpired, types.SourceReaper, "",
			map[string]string{"cutoff": cutoff.Format(time.RFC3339)}))
	}
	if len(codes) > 0 {
		r.logger.WithFields(map[string]interface{}{
			"count":  len(codes),
			"cutoff": cutoff.Format(time.RFC3339),
		}).Info("Expired unclaimed gifts")
	}
	return len(codes), nil
}

// ResetAutoTransfer re-arms auto-transfer for a gift that hit the attempt cap
func (r *Reaper) ResetAutoTransfer(ctx context.Context, code string, operator string) (*models.Gift, error) {
	code = NormalizeGiftCode(code)
	g, err := r.gifts.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	reset, err := r.gifts.ResetAutoTransfer(ctx, code)
	if err != nil {
		return nil, err
	}
	if !reset {
		return nil, apperrors.NewConflictError(apperrors.CodeInvalidTransition,
			"auto-transfer cannot be reset for a gift in status "+string(g.Status))
	}

	r.logger.WithFields(map[string]interface{}{
		"gift_code": code,
		"operator":  operator,
	}).Info("Auto-transfer reset by operator")
	emit(ctx, r.audit, r.logger, models.NewAuditEvent(code, types.AuditAutoTransferResumed, types.SourceOperator, operator, nil))

	return r.gifts.GetByCode(ctx, code)
}
