package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timelock-gifts/internal/adapter"
	"github.com/timelock-gifts/internal/config"
	"github.com/timelock-gifts/internal/contracts/giftlock"
	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/storage"
	"github.com/timelock-gifts/internal/types"
)

// PaymentService reconciles on-chain payments with gift records. It is fed by
// both the event subscriber and the poll loop; every entry point is idempotent.
type PaymentService struct {
	gifts           GiftStore
	wallets         Wallets
	chain           adapter.ChainAdapter
	locker          *LockCoordinator
	audit           AuditSink
	cfg             config.ObserverConfig
	confirmations   uint64
	fallbackAddress string
	logger          *logging.Logger

	now func() time.Time
}

// NewPaymentService creates a payment service
func NewPaymentService(
	gifts GiftStore,
	wallets Wallets,
	chain adapter.ChainAdapter,
	locker *LockCoordinator,
	audit AuditSink,
	cfg config.ObserverConfig,
	chainCfg config.ChainConfig,
) *PaymentService {
	if audit == nil {
		audit = NopAudit{}
	}
	confirmations := chainCfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	return &PaymentService{
		gifts:           gifts,
		wallets:         wallets,
		chain:           chain,
		locker:          locker,
		audit:           audit,
		cfg:             cfg,
		confirmations:   confirmations,
		fallbackAddress: chainCfg.FallbackAddress,
		logger:          logging.Component("payment_service"),
		now:             time.Now,
	}
}

// Evidence is what an observer saw for a gift's payment
type Evidence struct {
	Status        types.PaymentStatus
	TotalReceived *decimal.Decimal
	TxHash        *string
	Source        types.AuditSource
}

// ConfirmPayment advances a gift's payment status. It is a no-op, reporting
// false, when the gift is already at or beyond ev.Status.
func (s *PaymentService) ConfirmPayment(ctx context.Context, code string, ev Evidence) (bool, error) {
	advanced, err := s.gifts.AdvancePayment(ctx, code, storage.PaymentUpdate{
		Status:        ev.Status,
		TotalReceived: ev.TotalReceived,
		TxHash:        ev.TxHash,
	})
	if err != nil || !advanced {
		return false, err
	}

	details := map[string]string{"status": string(ev.Status)}
	if ev.TotalReceived != nil {
		details["total_received"] = ev.TotalReceived.String()
	}
	if ev.TxHash != nil {
		details["tx_hash"] = *ev.TxHash
	}

	eventType := types.AuditPaymentObserved
	if ev.Status == types.PaymentStatusReceived {
		eventType = types.AuditPaymentReceived
	}
	emit(ctx, s.audit, s.logger, models.NewAuditEvent(code, eventType, ev.Source, "", details))

	s.logger.WithFields(map[string]interface{}{
		"gift_code": code,
		"status":    string(ev.Status),
		"source":    string(ev.Source),
	}).Info("Payment status advanced")
	return true, nil
}

// HandleFundsLocked applies a FundsLocked log. Logs for unknown gifts and
// logs removed by a reorg are ignored.
func (s *PaymentService) HandleFundsLocked(ctx context.Context, ev *giftlock.FundsLockedEvent) error {
	logger := s.logger.WithFields(map[string]interface{}{
		"gift_id": ev.GiftIDHex(),
		"tx_hash": ev.TxHash.Hex(),
		"block":   ev.BlockNum,
	})

	if ev.Removed {
		logger.Warn("FundsLocked log removed by reorg, ignoring")
		return nil
	}

	g, err := s.gifts.GetByChainGiftID(ctx, ev.GiftIDHex())
	if err != nil {
		if apperrors.IsCategory(err, apperrors.CategoryNotFound) {
			logger.Debug("FundsLocked for unknown gift")
			return nil
		}
		return err
	}

	txHash := strings.ToLower(ev.TxHash.Hex())
	confs, err := s.chain.Confirmations(ctx, txHash)
	if err != nil {
		return err
	}

	status := types.PaymentStatusPaid
	if confs >= s.confirmations {
		status = types.PaymentStatusReceived
	}

	evidence := Evidence{Status: status, Source: types.SourceEvent}
	if g.PaymentTxHash == nil {
		evidence.TxHash = &txHash
	}
	if g.TotalReceived.IsZero() {
		amount := adapter.FromWei(ev.Amount)
		evidence.TotalReceived = &amount
	}

	if _, err := s.ConfirmPayment(ctx, g.GiftCode, evidence); err != nil {
		return err
	}

	if status == types.PaymentStatusReceived && !g.ContractLocked {
		return s.settleLock(ctx, g.GiftCode, txHash, types.SourceEvent)
	}
	return nil
}

// settleLock records a lock seen on chain for a gift
func (s *PaymentService) settleLock(ctx context.Context, code, txHash string, source types.AuditSource) error {
	marked, err := s.gifts.MarkLocked(ctx, code, txHash)
	if err != nil || !marked {
		return err
	}
	emit(ctx, s.audit, s.logger, models.NewAuditEvent(code, types.AuditLocked, source, "",
		map[string]string{"tx_hash": txHash}))
	s.logger.WithFields(map[string]interface{}{
		"gift_code": code,
		"tx_hash":   txHash,
	}).Info("Gift locked on chain")
	return nil
}

// PollStats summarizes one reconciliation cycle
type PollStats struct {
	Checked   int
	Received  int
	Diverted  int
	Cancelled int
	Confirmed int
	Locked    int
	Errors    int
}

// PollOnce runs one reconciliation cycle: balance checks for unpaid gifts,
// confirmation checks for observed payments, and lock retries for paid gifts.
// Per-gift failures are logged and counted, never returned.
func (s *PaymentService) PollOnce(ctx context.Context) (*PollStats, error) {
	stats := &PollStats{}

	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return stats, err
	}
	block := uint64(0)
	if head+1 > s.confirmations {
		block = head + 1 - s.confirmations
	}

	// gifts whose lock already ran this cycle are not retried in step three
	tried := make(map[string]struct{})

	pending, err := s.gifts.ListPendingPayments(ctx, s.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	for _, g := range pending {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++
		if err := s.checkDeposit(ctx, g, block, stats, tried); err != nil {
			stats.Errors++
			s.logger.WithError(err).WithField("gift_code", g.GiftCode).Warn("Deposit check failed")
		}
	}

	paid, err := s.gifts.ListPaidUnconfirmed(ctx, s.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	for _, g := range paid {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := s.recheckConfirmations(ctx, g, stats); err != nil {
			stats.Errors++
			s.logger.WithError(err).WithField("gift_code", g.GiftCode).Warn("Confirmation check failed")
		}
	}

	awaiting, err := s.gifts.ListAwaitingLock(ctx, s.cfg.MaxLockAttempts, s.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	for _, g := range awaiting {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if _, ok := tried[g.GiftCode]; ok {
			continue
		}
		if err := s.locker.Lock(ctx, g, types.SourcePoll); err != nil {
			stats.Errors++
			continue
		}
		stats.Locked++
	}

	return stats, nil
}

// checkDeposit reads the confirmed balance of an unpaid gift's wallet and
// confirms, diverts or lapses the gift accordingly
func (s *PaymentService) checkDeposit(ctx context.Context, g *models.Gift, block uint64, stats *PollStats, tried map[string]struct{}) error {
	balance, err := s.chain.BalanceAt(ctx, g.WalletAddress, &block)
	if err != nil {
		return err
	}

	if balance.IsZero() {
		if models.IsReservationLapsed(g, s.now(), s.cfg.ReservationGrace) {
			return s.lapse(ctx, g, stats)
		}
		return nil
	}

	if WithinTolerance(balance, g.TotalAmount, s.cfg.Tolerance) {
		advanced, err := s.ConfirmPayment(ctx, g.GiftCode, Evidence{
			Status:        types.PaymentStatusReceived,
			TotalReceived: &balance,
			Source:        types.SourcePoll,
		})
		if err != nil {
			return err
		}
		if !advanced {
			s.warnIfClosed(ctx, g.GiftCode, balance)
			return nil
		}
		stats.Received++

		fresh, err := s.gifts.GetByCode(ctx, g.GiftCode)
		if err != nil {
			return err
		}
		tried[g.GiftCode] = struct{}{}
		if err := s.locker.Lock(ctx, fresh, types.SourcePoll); err != nil {
			return err
		}
		stats.Locked++
		return nil
	}

	if err := s.divert(ctx, g, balance); err != nil {
		return err
	}
	stats.Diverted++
	return nil
}

// warnIfClosed flags a deposit that arrived after the gift was closed; the
// funds stay in the wallet for a manual refund
func (s *PaymentService) warnIfClosed(ctx context.Context, code string, balance decimal.Decimal) {
	current, err := s.gifts.GetByCode(ctx, code)
	if err != nil || !models.IsClosed(current) {
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"gift_code": code,
		"status":    string(current.Status),
		"wallet":    current.WalletAddress,
		"balance":   balance.String(),
	}).Warn("Deposit arrived for a closed gift, leaving funds for refund")
}

// WithinTolerance reports whether |received - expected| <= expected * tolerance
func WithinTolerance(received, expected, tolerance decimal.Decimal) bool {
	return received.Sub(expected).Abs().LessThanOrEqual(expected.Mul(tolerance))
}

// divert moves an out-of-tolerance deposit to the fallback address and leaves
// the gift pending with the reason recorded for manual review
func (s *PaymentService) divert(ctx context.Context, g *models.Gift, balance decimal.Decimal) error {
	reason := fmt.Sprintf("deposit %s outside tolerance of expected %s", balance.String(), g.TotalAmount.String())
	logger := s.logger.WithFields(map[string]interface{}{
		"gift_code": g.GiftCode,
		"wallet":    g.WalletAddress,
		"balance":   balance.String(),
		"expected":  g.TotalAmount.String(),
	})

	if s.fallbackAddress == "" {
		logger.Error("Deposit outside tolerance and no fallback address configured")
		return s.gifts.RecordDiversion(ctx, g.GiftCode, nil, reason+"; no fallback address configured")
	}

	gasPrice, err := s.chain.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	value, err := adapter.SweepValue(balance, gasPrice)
	if errors.Is(err, adapter.ErrInsufficientValue) {
		logger.Info("Deposit outside tolerance is below transfer cost, leaving it")
		return s.gifts.RecordDiversion(ctx, g.GiftCode, nil, reason+"; below transfer cost")
	}
	if err != nil {
		return err
	}

	key, err := s.wallets.SigningKey(ctx, g.WalletAddress)
	if err != nil {
		return err
	}
	txHash, err := s.chain.SendValue(ctx, key, s.fallbackAddress, value)
	if err != nil {
		return err
	}

	if err := s.gifts.RecordDiversion(ctx, g.GiftCode, &txHash, reason); err != nil {
		return err
	}

	logger.WithField("tx_hash", txHash).Warn("Diverted out-of-tolerance deposit to fallback address")
	emit(ctx, s.audit, s.logger, models.NewAuditEvent(g.GiftCode, types.AuditPaymentDiverted, types.SourcePoll, "",
		map[string]string{
			"tx_hash":  txHash,
			"balance":  balance.String(),
			"expected": g.TotalAmount.String(),
			"to":       s.fallbackAddress,
		}))
	return nil
}

// lapse cancels a gift whose payment window and grace both passed without funds
func (s *PaymentService) lapse(ctx context.Context, g *models.Gift, stats *PollStats) error {
	cancelled, err := s.gifts.Cancel(ctx, g.GiftCode, true)
	if err != nil || !cancelled {
		return err
	}
	stats.Cancelled++

	s.logger.WithFields(map[string]interface{}{
		"gift_code":   g.GiftCode,
		"expiry_date": g.ExpiryDate.Format(time.RFC3339),
	}).Info("Reservation lapsed without payment, cancelled gift")
	emit(ctx, s.audit, s.logger, models.NewAuditEvent(g.GiftCode, types.AuditCancelled, types.SourcePoll, "",
		map[string]string{"reason": "reservation lapsed"}))

	if err := s.wallets.Release(ctx, g.WalletAddress); err != nil {
		return err
	}
	emit(ctx, s.audit, s.logger, models.NewAuditEvent(g.GiftCode, types.AuditWalletReleased, types.SourcePoll, "",
		map[string]string{"wallet": g.WalletAddress}))
	return nil
}

// recheckConfirmations finalizes a payment observed with too few confirmations.
// Only the event path produces paid gifts, so the payment transaction is the
// FundsLocked transaction and the gift is locked once it is final.
func (s *PaymentService) recheckConfirmations(ctx context.Context, g *models.Gift, stats *PollStats) error {
	confs, err := s.chain.Confirmations(ctx, *g.PaymentTxHash)
	if err != nil {
		return err
	}
	if confs < s.confirmations {
		return nil
	}

	advanced, err := s.ConfirmPayment(ctx, g.GiftCode, Evidence{
		Status: types.PaymentStatusReceived,
		Source: types.SourcePoll,
	})
	if err != nil || !advanced {
		return err
	}
	stats.Confirmed++

	if g.ContractLocked {
		return nil
	}
	return s.settleLock(ctx, g.GiftCode, *g.PaymentTxHash, types.SourcePoll)
}
