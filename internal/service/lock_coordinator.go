package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/timelock-gifts/internal/adapter"
	"github.com/timelock-gifts/internal/config"
	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/types"
)

const confirmationPollInterval = 2 * time.Second

// LockCoordinator moves a paid gift's principal into the time-lock contract
// and routes what is left of the fee to the operator.
type LockCoordinator struct {
	gifts           GiftStore
	wallets         Wallets
	chain           adapter.ChainAdapter
	contract        LockContract
	audit           AuditSink
	cfg             config.ObserverConfig
	confirmations   uint64
	operatorAddress string
	logger          *logging.Logger

	pollInterval time.Duration
}

// NewLockCoordinator creates a lock coordinator
func NewLockCoordinator(
	gifts GiftStore,
	wallets Wallets,
	chain adapter.ChainAdapter,
	contract LockContract,
	audit AuditSink,
	cfg config.ObserverConfig,
	chainCfg config.ChainConfig,
) *LockCoordinator {
	if audit == nil {
		audit = NopAudit{}
	}
	confirmations := chainCfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	return &LockCoordinator{
		gifts:           gifts,
		wallets:         wallets,
		chain:           chain,
		contract:        contract,
		audit:           audit,
		cfg:             cfg,
		confirmations:   confirmations,
		operatorAddress: chainCfg.OperatorAddress,
		logger:          logging.Component("lock_coordinator"),
		pollInterval:    confirmationPollInterval,
	}
}

// lockFailure carries whether the lock transaction had been broadcast
type lockFailure struct {
	err       error
	submitted bool
}

// Lock runs the coordinator for one gift whose payment has been received.
// It is a no-op when another worker holds the lock lease.
func (c *LockCoordinator) Lock(ctx context.Context, g *models.Gift, source types.AuditSource) error {
	if g.ContractLocked || g.PaymentStatus != types.PaymentStatusReceived {
		return nil
	}

	acquired, err := c.gifts.AcquireLockLease(ctx, g.GiftCode, c.cfg.LockLease)
	if err != nil {
		return err
	}
	if !acquired {
		c.logger.WithField("gift_code", g.GiftCode).Debug("Lock lease held elsewhere, skipping")
		return nil
	}

	logger := c.logger.WithFields(map[string]interface{}{
		"gift_code": g.GiftCode,
		"wallet":    g.WalletAddress,
		"source":    string(source),
	})

	txHash, balanceAfter, lockGas, key, failure := c.submitLock(ctx, g, logger)
	if failure != nil {
		return c.recordFailure(ctx, g, failure, source, logger)
	}

	marked, err := c.gifts.MarkLocked(ctx, g.GiftCode, txHash)
	if err != nil {
		// the receipt is final; the poll path picks the gift up again once the lease lapses
		logger.WithError(err).WithField("tx_hash", txHash).Error("Lock confirmed but could not be recorded")
		return err
	}
	if marked {
		logger.WithField("tx_hash", txHash).Info("Gift principal locked")
		emit(ctx, c.audit, c.logger, models.NewAuditEvent(g.GiftCode, types.AuditLocked, source, "",
			map[string]string{"tx_hash": txHash, "amount": g.Amount.String()}))
	} else {
		logger.WithField("tx_hash", txHash).Info("Lock already recorded by the event path")
	}

	c.forwardFee(ctx, g, key, balanceAfter, lockGas, source, logger)
	return nil
}

// submitLock re-checks the balance, submits lockFunds and waits for it to be final
func (c *LockCoordinator) submitLock(
	ctx context.Context,
	g *models.Gift,
	logger *logging.Logger,
) (string, decimal.Decimal, decimal.Decimal, *ecdsa.PrivateKey, *lockFailure) {
	zero := decimal.Zero

	before, err := c.chain.BalanceAt(ctx, g.WalletAddress, nil)
	if err != nil {
		return "", zero, zero, nil, &lockFailure{err: err}
	}
	required := g.Amount.Add(g.Fee)
	if before.LessThan(required) {
		return "", zero, zero, nil, &lockFailure{
			err: fmt.Errorf("insufficient balance: have %s, need %s", before.String(), required.String()),
		}
	}

	key, err := c.wallets.SigningKey(ctx, g.WalletAddress)
	if err != nil {
		return "", zero, zero, nil, &lockFailure{err: err}
	}

	recipient := common.HexToAddress(models.LockRecipient(g))
	giftID := common.HexToHash(g.ChainGiftID)
	unlockTime := big.NewInt(g.UnlockDate.Unix())

	logger.WithFields(map[string]interface{}{
		"recipient": recipient.Hex(),
		"amount":    g.Amount.String(),
	}).Info("Submitting lock transaction")

	hash, err := c.contract.Lock(ctx, key, giftID, recipient, unlockTime, adapter.ToWei(g.Amount))
	if err != nil {
		return "", zero, zero, nil, &lockFailure{err: err}
	}
	txHash := strings.ToLower(hash.Hex())

	receipt, err := c.chain.WaitForReceipt(ctx, txHash)
	if err != nil {
		return "", zero, zero, nil, &lockFailure{err: err, submitted: true}
	}
	if !receipt.Succeeded() {
		return "", zero, zero, nil, &lockFailure{
			err:       apperrors.NewContractError("lockFunds", txHash, errors.New("transaction reverted")),
			submitted: true,
		}
	}
	if err := c.awaitConfirmations(ctx, txHash); err != nil {
		return "", zero, zero, nil, &lockFailure{err: err, submitted: true}
	}

	after, lockGas := c.measureLockGas(ctx, g, before, receipt, logger)
	return txHash, after, lockGas, key, nil
}

// awaitConfirmations blocks until txHash reaches the configured depth
func (c *LockCoordinator) awaitConfirmations(ctx context.Context, txHash string) error {
	for {
		confs, err := c.chain.Confirmations(ctx, txHash)
		if err != nil {
			return err
		}
		if confs >= c.confirmations {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// measureLockGas derives the gas the lock cost from the balance drop; the
// receipt's gas used times the current price stands in when the balance read fails.
func (c *LockCoordinator) measureLockGas(
	ctx context.Context,
	g *models.Gift,
	before decimal.Decimal,
	receipt *adapter.Receipt,
	logger *logging.Logger,
) (decimal.Decimal, decimal.Decimal) {
	after, err := c.chain.BalanceAt(ctx, g.WalletAddress, nil)
	if err == nil {
		return after, before.Sub(g.Amount).Sub(after)
	}

	logger.WithError(err).Warn("Post-lock balance unavailable, estimating gas from receipt")
	gasPrice, priceErr := c.chain.SuggestGasPrice(ctx)
	if priceErr != nil {
		return before.Sub(g.Amount), decimal.Zero
	}
	gas := adapter.FromWei(new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(receipt.GasUsed)))
	return before.Sub(g.Amount).Sub(gas), gas
}

// forwardFee sends the remaining fee bucket to the operator. Failures here are
// logged only: the principal is already locked.
func (c *LockCoordinator) forwardFee(
	ctx context.Context,
	g *models.Gift,
	key *ecdsa.PrivateKey,
	balance decimal.Decimal,
	lockGas decimal.Decimal,
	source types.AuditSource,
	logger *logging.Logger,
) {
	profit := g.TotalReceived.Sub(g.Amount).Sub(lockGas)

	record := func(txHash *string, profit decimal.Decimal) {
		if err := c.gifts.RecordFeeForward(ctx, g.GiftCode, txHash, profit); err != nil {
			logger.WithError(err).Warn("Failed to record fee forwarding")
		}
	}

	if c.operatorAddress == "" {
		logger.Warn("Operator address not configured, fee stays in the gift wallet")
		record(nil, profit)
		return
	}

	gasPrice, err := c.chain.SuggestGasPrice(ctx)
	if err != nil {
		logger.WithError(err).Warn("Gas price unavailable, skipping fee forwarding")
		record(nil, profit)
		return
	}

	value, err := adapter.SweepValue(balance, gasPrice)
	if err != nil || !adapter.FromWei(value).GreaterThan(c.cfg.MinGasReserve) {
		logger.WithField("balance", balance.String()).Info("Remaining fee below gas reserve, not forwarding")
		record(nil, profit)
		return
	}

	txHash, err := c.chain.SendValue(ctx, key, c.operatorAddress, value)
	if err != nil {
		logger.WithError(err).Warn("Fee forwarding failed")
		record(nil, profit)
		return
	}

	transferGas := adapter.FromWei(new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(adapter.TransferGasLimit)))
	profit = profit.Sub(transferGas)
	record(&txHash, profit)

	logger.WithFields(map[string]interface{}{
		"tx_hash": txHash,
		"fee":     adapter.FromWei(value).String(),
		"profit":  profit.String(),
	}).Info("Forwarded fee to operator")
	emit(ctx, c.audit, c.logger, models.NewAuditEvent(g.GiftCode, types.AuditFeeForwarded, source, "",
		map[string]string{"tx_hash": txHash, "value": adapter.FromWei(value).String()}))
}

// recordFailure counts a failed attempt. Read failures before anything was
// broadcast are retried after the lease lapses without using up an attempt.
func (c *LockCoordinator) recordFailure(
	ctx context.Context,
	g *models.Gift,
	failure *lockFailure,
	source types.AuditSource,
	logger *logging.Logger,
) error {
	if !failure.submitted && apperrors.IsCategory(failure.err, apperrors.CategoryNetwork) {
		logger.WithError(failure.err).Warn("Chain unavailable before lock submission, will retry")
		return failure.err
	}

	result, err := c.gifts.RecordLockFailure(ctx, g.GiftCode, failure.err.Error(), c.cfg.MaxLockAttempts)
	if err != nil {
		logger.WithError(err).Error("Failed to record lock failure")
		return failure.err
	}

	emit(ctx, c.audit, c.logger, models.NewAuditEvent(g.GiftCode, types.AuditLockFailed, source, "",
		map[string]string{"error": failure.err.Error(), "attempts": fmt.Sprint(result.Attempts)}))

	entry := logger.WithError(failure.err).WithField("attempts", result.Attempts)
	if result.Status == types.GiftStatusFailed {
		entry.Error("Lock attempts exhausted, gift needs manual reconciliation")
	} else {
		entry.Warn("Lock attempt failed")
	}
	return failure.err
}

// RetryLock lets an operator re-run the coordinator for a paid gift that is not locked yet
func (c *LockCoordinator) RetryLock(ctx context.Context, code string, operator string) (*models.Gift, error) {
	code = NormalizeGiftCode(code)
	g, err := c.gifts.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	switch {
	case g.ContractLocked:
		return nil, apperrors.NewConflictError(apperrors.CodeInvalidTransition, "gift principal is already locked")
	case g.PaymentStatus != types.PaymentStatusReceived:
		return nil, apperrors.NewPaymentPendingError(code)
	case g.Status != types.GiftStatusCreated && g.Status != types.GiftStatusPending:
		return nil, apperrors.NewInvalidTransitionError(code, g.Status, types.GiftStatusActive)
	case g.LockAttempts >= c.cfg.MaxLockAttempts:
		return nil, apperrors.NewConflictError(apperrors.CodeLockExhausted, "lock attempts exhausted")
	}

	c.logger.WithFields(map[string]interface{}{
		"gift_code": code,
		"operator":  operator,
	}).Info("Operator retrying lock")

	if err := c.Lock(ctx, g, types.SourceOperator); err != nil {
		return nil, err
	}
	return c.gifts.GetByCode(ctx, code)
}
