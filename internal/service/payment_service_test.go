package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelock-gifts/internal/adapter"
	"github.com/timelock-gifts/internal/contracts/giftlock"
	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPollLocksFullPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)
	h.chain.Deposit(result.PaymentAddress, result.TotalAmount)

	stats, err := h.payments.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, 1, stats.Received)
	assert.Equal(t, 1, stats.Locked)
	assert.Equal(t, 0, stats.Errors)

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, types.GiftStatusActive, g.Status)
	assert.Equal(t, types.PaymentStatusReceived, g.PaymentStatus)
	assert.True(t, g.ContractLocked)
	assert.True(t, g.TotalReceived.Equal(dec("1.0275")))
	require.NotNil(t, g.LockTxHash)
	require.NotNil(t, g.FeeTxHash)

	require.Len(t, h.chain.Locks, 1)
	lock := h.chain.Locks[0]
	assert.Equal(t, result.PaymentAddress, lock.From)
	assert.Equal(t, common.HexToAddress(result.PaymentAddress), lock.Recipient)
	assert.Equal(t, giftlock.GiftID(result.GiftCode), lock.GiftID)
	assert.Equal(t, g.UnlockDate.Unix(), lock.UnlockTime.Int64())
	assert.True(t, lock.Value.Equal(dec("1")))
	assert.Equal(t, strings.ToLower(lock.TxHash), *g.LockTxHash)

	// 1.0275 - 1 - 0.0036 lock gas leaves 0.0239; forwarding costs 0.00063
	require.Len(t, h.chain.Transfers, 1)
	fee := h.chain.Transfers[0]
	assert.Equal(t, operatorAddress, fee.To)
	assert.True(t, fee.Value.Equal(dec("0.02327")), "forwarded %s", fee.Value)
	assert.True(t, g.PlatformProfit.Equal(dec("0.02327")), "profit %s", g.PlatformProfit)
	assert.True(t, h.chain.Balance(result.PaymentAddress).IsZero())

	assert.Equal(t, []types.AuditEventType{
		types.AuditGiftCreated,
		types.AuditPaymentReceived,
		types.AuditLocked,
		types.AuditFeeForwarded,
	}, h.audit.Types(result.GiftCode))
}

func TestPollLocksToRecipientWallet(t *testing.T) {
	h := newHarness(t)
	input := validInput(h)
	input.RecipientWallet = "0x52908400098527886E0F7030069857D2E4169EE7"
	result, err := h.giftSvc.CreateGift(context.Background(), input)
	require.NoError(t, err)
	h.chain.Deposit(result.PaymentAddress, result.TotalAmount)

	_, err = h.payments.PollOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, h.chain.Locks, 1)
	assert.Equal(t, common.HexToAddress(input.RecipientWallet), h.chain.Locks[0].Recipient)
}

func TestPollAcceptsDepositWithinTolerance(t *testing.T) {
	h := newHarness(t)
	result := h.createGift(t)
	h.chain.Deposit(result.PaymentAddress, dec("1.02"))

	_, err := h.payments.PollOnce(context.Background())
	require.NoError(t, err)

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, types.GiftStatusActive, g.Status)
	assert.True(t, g.TotalReceived.Equal(dec("1.02")))
}

func TestPollDivertsOutOfToleranceDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)
	h.chain.Deposit(result.PaymentAddress, dec("0.92475"))

	stats, err := h.payments.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Diverted)

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, types.GiftStatusPending, g.Status)
	assert.Equal(t, types.PaymentStatusPending, g.PaymentStatus)
	assert.False(t, g.ContractLocked)
	assert.Equal(t, 0, h.chain.LockCount())

	require.Len(t, h.chain.Transfers, 1)
	diverted := h.chain.Transfers[0]
	assert.Equal(t, fallbackAddress, diverted.To)
	assert.True(t, diverted.Value.Equal(dec("0.92412")), "diverted %s", diverted.Value)
	require.NotNil(t, g.DivertedTxHash)
	assert.Equal(t, diverted.TxHash, *g.DivertedTxHash)
	require.NotNil(t, g.LastPaymentError)
	assert.Contains(t, *g.LastPaymentError, "outside tolerance")

	// the emptied wallet is not diverted twice
	_, err = h.payments.PollOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, h.chain.Transfers, 1)
}

func TestPollRecordsDustDepositWithoutTransfer(t *testing.T) {
	h := newHarness(t)
	result := h.createGift(t)
	h.chain.Deposit(result.PaymentAddress, dec("0.0001"))

	_, err := h.payments.PollOnce(context.Background())
	require.NoError(t, err)

	g := h.gift(t, result.GiftCode)
	assert.Empty(t, h.chain.Transfers)
	assert.Nil(t, g.DivertedTxHash)
	require.NotNil(t, g.LastPaymentError)
	assert.Contains(t, *g.LastPaymentError, "below transfer cost")
}

func TestPollIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.activeGift(t)
	before := h.audit.Types(g.GiftCode)

	stats, err := h.payments.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollStats{}, *stats)

	advanced, err := h.payments.ConfirmPayment(ctx, g.GiftCode, Evidence{
		Status: types.PaymentStatusReceived,
		Source: types.SourcePoll,
	})
	require.NoError(t, err)
	assert.False(t, advanced)

	assert.Equal(t, 1, h.chain.LockCount())
	assert.Len(t, h.chain.Transfers, 1)
	assert.Equal(t, before, h.audit.Types(g.GiftCode))
}

func TestPaymentStatusNeverRegresses(t *testing.T) {
	statuses := []types.PaymentStatus{
		types.PaymentStatusPending,
		types.PaymentStatusPaid,
		types.PaymentStatusReceived,
		types.PaymentStatusExpired,
		types.PaymentStatusFailed,
	}

	properties := gopter.NewProperties(nil)
	properties.Property("observed payment rank is monotonic", prop.ForAll(
		func(sequence []int) bool {
			h := newHarness(t)
			ctx := context.Background()
			h.gifts.Put(&models.Gift{
				GiftCode:      "GIFT-PROP0001",
				Status:        types.GiftStatusPending,
				PaymentStatus: types.PaymentStatusPending,
			})

			rank := types.PaymentStatusPending.Rank()
			for _, i := range sequence {
				if _, err := h.payments.ConfirmPayment(ctx, "GIFT-PROP0001", Evidence{
					Status: statuses[i],
					Source: types.SourcePoll,
				}); err != nil {
					return false
				}
				g, err := h.gifts.GetByCode(ctx, "GIFT-PROP0001")
				if err != nil || g.PaymentStatus.Rank() < rank {
					return false
				}
				rank = g.PaymentStatus.Rank()
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(statuses)-1)),
	))

	properties.TestingRun(t)
}

func fundsLocked(code string, txHash common.Hash, amount decimal.Decimal) *giftlock.FundsLockedEvent {
	return &giftlock.FundsLockedEvent{
		GiftID:   giftlock.GiftID(code),
		Amount:   adapter.ToWei(amount),
		TxHash:   txHash,
		BlockNum: 99,
	}
}

func TestFundsLockedEventSettlesConfirmedLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)

	txHash := crypto.Keccak256Hash([]byte("event-lock"))
	h.chain.SetConfirmations(txHash.Hex(), 1)
	ev := fundsLocked(result.GiftCode, txHash, dec("1"))

	require.NoError(t, h.payments.HandleFundsLocked(ctx, ev))

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, types.GiftStatusActive, g.Status)
	assert.Equal(t, types.PaymentStatusReceived, g.PaymentStatus)
	assert.True(t, g.ContractLocked)
	assert.True(t, g.TotalReceived.Equal(dec("1")))
	require.NotNil(t, g.PaymentTxHash)
	assert.Equal(t, txHash.Hex(), *g.PaymentTxHash)
	assert.Equal(t, txHash.Hex(), *g.LockTxHash)

	// a replayed log changes nothing
	require.NoError(t, h.payments.HandleFundsLocked(ctx, ev))
	assert.Equal(t, []types.AuditEventType{
		types.AuditGiftCreated,
		types.AuditPaymentReceived,
		types.AuditLocked,
	}, h.audit.Types(result.GiftCode))
}

func TestFundsLockedEventAwaitsConfirmations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)

	txHash := crypto.Keccak256Hash([]byte("shallow-lock"))
	require.NoError(t, h.payments.HandleFundsLocked(ctx, fundsLocked(result.GiftCode, txHash, dec("1"))))

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, types.PaymentStatusPaid, g.PaymentStatus)
	assert.False(t, g.ContractLocked)
	assert.Equal(t, types.GiftStatusPending, g.Status)

	// still shallow: the poll leaves it alone
	stats, err := h.payments.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Confirmed)

	h.chain.SetConfirmations(txHash.Hex(), 1)
	stats, err = h.payments.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Confirmed)

	g = h.gift(t, result.GiftCode)
	assert.Equal(t, types.PaymentStatusReceived, g.PaymentStatus)
	assert.Equal(t, types.GiftStatusActive, g.Status)
	assert.True(t, g.ContractLocked)
	assert.Equal(t, 0, h.chain.LockCount(), "the event lock must not be duplicated")
}

func TestFundsLockedEventIgnoresUnknownAndRemovedLogs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)

	unknown := fundsLocked("GIFT-UNKNOWN0", crypto.Keccak256Hash([]byte("x")), dec("1"))
	require.NoError(t, h.payments.HandleFundsLocked(ctx, unknown))

	removed := fundsLocked(result.GiftCode, crypto.Keccak256Hash([]byte("y")), dec("1"))
	removed.Removed = true
	require.NoError(t, h.payments.HandleFundsLocked(ctx, removed))

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, types.PaymentStatusPending, g.PaymentStatus)
	assert.Nil(t, g.PaymentTxHash)
}

func TestLockFailuresExhaustAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)
	h.chain.Deposit(result.PaymentAddress, result.TotalAmount)
	h.chain.LockErr = errors.New("replacement transaction underpriced")

	stats, err := h.payments.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, 1, g.LockAttempts)
	assert.Equal(t, types.GiftStatusPending, g.Status)
	require.NotNil(t, g.LastLockError)
	assert.Contains(t, *g.LastLockError, "underpriced")

	for i := 0; i < 2; i++ {
		_, err := h.payments.PollOnce(ctx)
		require.NoError(t, err)
	}

	g = h.gift(t, result.GiftCode)
	assert.Equal(t, 3, g.LockAttempts)
	assert.Equal(t, types.GiftStatusFailed, g.Status)
	assert.Equal(t, types.PaymentStatusReceived, g.PaymentStatus)
	assert.False(t, g.ContractLocked)

	// exhausted gifts are no longer picked up
	_, err = h.payments.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.gift(t, result.GiftCode).LockAttempts)

	_, err = h.locker.RetryLock(ctx, result.GiftCode, "ops")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
}

func TestRetryLockAfterFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)
	h.chain.Deposit(result.PaymentAddress, result.TotalAmount)
	h.chain.LockErr = errors.New("nonce too low")

	_, err := h.payments.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.gift(t, result.GiftCode).LockAttempts)

	h.chain.LockErr = nil
	g, err := h.locker.RetryLock(ctx, strings.ToLower(result.GiftCode), "ops")
	require.NoError(t, err)
	assert.Equal(t, types.GiftStatusActive, g.Status)
	assert.True(t, g.ContractLocked)
	assert.Nil(t, g.LastLockError)

	_, err = h.locker.RetryLock(ctx, result.GiftCode, "ops")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidTransition))
}

func TestRetryLockAfterRevertedLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)
	h.chain.Deposit(result.PaymentAddress, result.TotalAmount)
	h.chain.RevertNext()

	_, err := h.payments.PollOnce(ctx)
	require.NoError(t, err)

	g := h.gift(t, result.GiftCode)
	require.Equal(t, 1, g.LockAttempts)
	require.NotNil(t, g.LastLockError)
	assert.Contains(t, *g.LastLockError, "reverted")
	// a reverted lock burns gas only
	assert.True(t, h.chain.Balance(result.PaymentAddress).Equal(result.TotalAmount.Sub(dec("0.0036"))))

	g, err = h.locker.RetryLock(ctx, result.GiftCode, "ops")
	require.NoError(t, err)
	assert.Equal(t, types.GiftStatusActive, g.Status)
	assert.True(t, g.ContractLocked)
	assert.Equal(t, 2, h.chain.LockCount())
}

func TestConfirmPaymentIgnoresCancelledGift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)

	_, err := h.giftSvc.CancelGift(ctx, result.GiftCode, "buyer@example.com")
	require.NoError(t, err)

	received := result.TotalAmount
	advanced, err := h.payments.ConfirmPayment(ctx, result.GiftCode, Evidence{
		Status:        types.PaymentStatusReceived,
		TotalReceived: &received,
		Source:        types.SourcePoll,
	})
	require.NoError(t, err)
	assert.False(t, advanced)

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, types.GiftStatusCancelled, g.Status)
	assert.Equal(t, types.PaymentStatusPending, g.PaymentStatus)
	assert.NotContains(t, h.audit.Types(result.GiftCode), types.AuditPaymentReceived)
}

func TestRetryLockRequiresReceivedPayment(t *testing.T) {
	h := newHarness(t)
	result := h.createGift(t)

	_, err := h.locker.RetryLock(context.Background(), result.GiftCode, "ops")

	assert.True(t, apperrors.HasCode(err, apperrors.CodePaymentPending))
}

func TestLockFailsOnShortBalance(t *testing.T) {
	h := newHarness(t)
	result := h.createGift(t)
	// inside tolerance, but short of amount plus fee
	h.chain.Deposit(result.PaymentAddress, dec("1.018"))

	_, err := h.payments.PollOnce(context.Background())
	require.NoError(t, err)

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, types.PaymentStatusReceived, g.PaymentStatus)
	assert.False(t, g.ContractLocked)
	assert.Equal(t, 1, g.LockAttempts)
	require.NotNil(t, g.LastLockError)
	assert.Contains(t, *g.LastLockError, "insufficient balance")
	assert.Equal(t, 0, h.chain.LockCount())
}

func TestLockSkippedWhileLeaseHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)
	h.chain.Deposit(result.PaymentAddress, result.TotalAmount)

	acquired, err := h.gifts.AcquireLockLease(ctx, result.GiftCode, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = h.payments.PollOnce(ctx)
	require.NoError(t, err)

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, types.PaymentStatusReceived, g.PaymentStatus)
	assert.False(t, g.ContractLocked)
	assert.Equal(t, 0, g.LockAttempts)
	assert.Equal(t, 0, h.chain.LockCount())
}

func TestLockNetworkErrorDoesNotCountAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)
	h.chain.Deposit(result.PaymentAddress, result.TotalAmount)
	_, err := h.payments.ConfirmPayment(ctx, result.GiftCode, Evidence{
		Status:        types.PaymentStatusReceived,
		TotalReceived: &result.TotalAmount,
		Source:        types.SourcePoll,
	})
	require.NoError(t, err)

	h.chain.BalanceErr = apperrors.NewNetworkError("BalanceAt", errors.New("i/o timeout"))
	err = h.locker.Lock(ctx, h.gift(t, result.GiftCode), types.SourcePoll)
	require.Error(t, err)

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, 0, g.LockAttempts)
	assert.Nil(t, g.LastLockError)
}

func TestReservationLapseCancelsGift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	result := h.createGift(t)

	// inside window plus grace: nothing happens
	h.advance(24 * time.Hour)
	stats, err := h.payments.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Cancelled)
	assert.Equal(t, types.GiftStatusPending, h.gift(t, result.GiftCode).Status)

	h.advance(2 * time.Hour)
	stats, err = h.payments.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cancelled)

	g := h.gift(t, result.GiftCode)
	assert.Equal(t, types.GiftStatusCancelled, g.Status)
	assert.Equal(t, types.PaymentStatusExpired, g.PaymentStatus)

	w, err := h.pool.Lookup(ctx, result.PaymentAddress)
	require.NoError(t, err)
	assert.False(t, w.Reserved)
	assert.Equal(t, []types.AuditEventType{
		types.AuditGiftCreated,
		types.AuditCancelled,
		types.AuditWalletReleased,
	}, h.audit.Types(result.GiftCode))
}

func TestWithinTolerance(t *testing.T) {
	expected := dec("1.0275")
	tolerance := dec("0.01")

	assert.True(t, WithinTolerance(expected, expected, tolerance))
	assert.True(t, WithinTolerance(dec("1.017225"), expected, tolerance))
	assert.True(t, WithinTolerance(dec("1.037775"), expected, tolerance))
	assert.False(t, WithinTolerance(dec("1.0172"), expected, tolerance))
	assert.False(t, WithinTolerance(dec("0.92475"), expected, tolerance))
}
