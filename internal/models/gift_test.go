package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/timelock-gifts/internal/types"
)

func strPtr(s string) *string { return &s }

func TestLockRecipient(t *testing.T) {
	g := &Gift{WalletAddress: "0xcustodial"}
	assert.Equal(t, "0xcustodial", LockRecipient(g))

	g.RecipientWallet = strPtr("0xrecipient")
	assert.Equal(t, "0xrecipient", LockRecipient(g))
}

func TestIsPastExpiryGrace(t *testing.T) {
	now := time.Now()
	grace := 30 * 24 * time.Hour

	old := &Gift{UnlockDate: now.Add(-31 * 24 * time.Hour), Status: types.GiftStatusActive}
	assert.True(t, IsPastExpiryGrace(old, now, grace))

	recent := &Gift{UnlockDate: now.Add(-29 * 24 * time.Hour), Status: types.GiftStatusActive}
	assert.False(t, IsPastExpiryGrace(recent, now, grace))

	claimed := &Gift{UnlockDate: now.Add(-40 * 24 * time.Hour), IsClaimed: true}
	assert.False(t, IsPastExpiryGrace(claimed, now, grace))
}

func TestIsEligibleForAutoTransfer(t *testing.T) {
	now := time.Now()
	base := func() *Gift {
		return &Gift{
			UnlockDate:     now.Add(-time.Hour),
			Status:         types.GiftStatusActive,
			ContractLocked: true,
		}
	}

	assert.True(t, IsEligibleForAutoTransfer(base(), now, 3))

	g := base()
	g.AutoTransferAttempts = 3
	assert.False(t, IsEligibleForAutoTransfer(g, now, 3))

	g = base()
	g.UnlockDate = now.Add(time.Hour)
	assert.False(t, IsEligibleForAutoTransfer(g, now, 3))

	g = base()
	g.Status = types.GiftStatusExpired
	assert.False(t, IsEligibleForAutoTransfer(g, now, 3))

	g = base()
	g.AutoTransferTxHash = strPtr("0xdone")
	assert.False(t, IsEligibleForAutoTransfer(g, now, 3))
}

func TestSummarize(t *testing.T) {
	g := &Gift{
		GiftCode:       "GIFT-ABCDEFGH",
		PaymentStatus:  types.PaymentStatusReceived,
		Status:         types.GiftStatusActive,
		ContractLocked: true,
	}
	s := Summarize(g)
	assert.True(t, s.Exists)
	assert.True(t, s.PaymentCleared)
	assert.True(t, s.Ready)

	g.PaymentStatus = types.PaymentStatusPaid
	assert.False(t, Summarize(g).Ready)

	// received but still waiting for the lock
	g.PaymentStatus = types.PaymentStatusReceived
	g.Status = types.GiftStatusPending
	g.ContractLocked = false
	assert.True(t, Summarize(g).PaymentCleared)
	assert.False(t, Summarize(g).Ready)
	g.Status = types.GiftStatusActive
	g.ContractLocked = true

	g.PaymentStatus = types.PaymentStatusReceived
	g.Status = types.GiftStatusExpired
	assert.False(t, Summarize(g).Ready)
}
