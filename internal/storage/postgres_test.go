package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelock-gifts/internal/config"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/types"
)

func TestPostgresURL(t *testing.T) {
	url := PostgresURL(&config.PostgresConfig{
		Host: "db", Port: "5432", User: "gifts", Password: "p@ss", Database: "timelock_gifts",
	})
	assert.Equal(t, "postgres://gifts:p%40ss@db:5432/timelock_gifts?sslmode=disable", url)
}

func seedWallets(t *testing.T, repo *WalletRepository, n int) []string {
	t.Helper()
	ctx := testContext(t)
	addresses := make([]string, 0, n)
	for i := 0; i < n; i++ {
		w := &models.Wallet{
			Address:             fmt.Sprintf("0x%040x", i+1),
			EncryptedPrivateKey: "iv:cipher",
		}
		require.NoError(t, repo.Insert(ctx, w))
		addresses = append(addresses, w.Address)
	}
	return addresses
}

func TestWalletRepository_ConcurrentReserveNeverDuplicates(t *testing.T) {
	db := testPostgres(t)
	repo := NewWalletRepository(db)
	seedWallets(t, repo, 10)
	ctx := testContext(t)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		reserved = map[string]int{}
		empty    int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := repo.Reserve(ctx)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if w == nil {
				empty++
				return
			}
			reserved[w.Address]++
		}()
	}
	wg.Wait()

	assert.Len(t, reserved, 10)
	assert.Equal(t, 15, empty)
	for address, count := range reserved {
		assert.Equal(t, 1, count, "wallet %s reserved more than once", address)
	}
}

func TestWalletRepository_ReleaseIsIdempotent(t *testing.T) {
	db := testPostgres(t)
	repo := NewWalletRepository(db)
	addresses := seedWallets(t, repo, 1)
	ctx := testContext(t)

	w, err := repo.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, w)

	require.NoError(t, repo.Release(ctx, addresses[0]))
	require.NoError(t, repo.Release(ctx, addresses[0]))

	count, err := repo.CountUnreserved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWalletRepository_OrphanedReservations(t *testing.T) {
	db := testPostgres(t)
	wallets := NewWalletRepository(db)
	gifts := NewGiftRepository(db)
	addresses := seedWallets(t, wallets, 3)
	ctx := testContext(t)

	for range addresses {
		w, err := wallets.Reserve(ctx)
		require.NoError(t, err)
		require.NotNil(t, w)
	}

	live := newTestGift(addresses[0], time.Now().Add(3*time.Hour))
	require.NoError(t, gifts.Create(ctx, live))
	cancelled := newTestGift(addresses[1], time.Now().Add(3*time.Hour))
	require.NoError(t, gifts.Create(ctx, cancelled))
	ok, err := gifts.Cancel(ctx, cancelled.GiftCode, false)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = db.Pool().Exec(ctx, `UPDATE wallets SET reserved_at = NOW() - INTERVAL '2 days'`)
	require.NoError(t, err)
	cutoff := time.Now().Add(-24 * time.Hour)

	orphans, err := wallets.ListOrphaned(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, addresses[1:], orphans)

	released, err := wallets.ReleaseOrphan(ctx, addresses[0], cutoff)
	require.NoError(t, err)
	assert.False(t, released, "wallet backing a live gift must stay reserved")

	released, err = wallets.ReleaseOrphan(ctx, addresses[2], cutoff)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = wallets.ReleaseOrphan(ctx, addresses[2], cutoff)
	require.NoError(t, err)
	assert.False(t, released)
}

func newTestGift(wallet string, unlock time.Time) *models.Gift {
	code := "GIFT-" + uuid.NewString()[:8]
	now := time.Now().UTC()
	return &models.Gift{
		ID:                 uuid.New(),
		GiftCode:           code,
		ChainGiftID:        "0x" + uuid.NewString(),
		RecipientFirstName: "Ada",
		RecipientLastName:  "Lovelace",
		BuyerEmail:         "buyer@example.com",
		Currency:           "MATIC",
		Amount:             decimal.RequireFromString("1"),
		Fee:                decimal.RequireFromString("0.02"),
		GasFee:             decimal.RequireFromString("0.01"),
		TotalAmount:        decimal.RequireFromString("1.03"),
		WalletAddress:      wallet,
		ContractAddress:    "0x1111111111111111111111111111111111111111",
		UnlockDate:         unlock,
		ExpiryDate:         now.Add(time.Hour),
		CreatedAt:          now,
		Status:             types.GiftStatusPending,
		PaymentStatus:      types.PaymentStatusPending,
	}
}

func TestGiftRepository_PaymentNeverRegresses(t *testing.T) {
	db := testPostgres(t)
	wallets := NewWalletRepository(db)
	gifts := NewGiftRepository(db)
	addresses := seedWallets(t, wallets, 1)
	ctx := testContext(t)

	g := newTestGift(addresses[0], time.Now().Add(3*time.Hour))
	require.NoError(t, gifts.Create(ctx, g))

	received := decimal.RequireFromString("1.03")
	advanced, err := gifts.AdvancePayment(ctx, g.GiftCode, PaymentUpdate{Status: types.PaymentStatusReceived, TotalReceived: &received})
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = gifts.AdvancePayment(ctx, g.GiftCode, PaymentUpdate{Status: types.PaymentStatusPaid})
	require.NoError(t, err)
	assert.False(t, advanced)

	got, err := gifts.GetByCode(ctx, g.GiftCode)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStatusReceived, got.PaymentStatus)
	assert.True(t, got.TotalReceived.Equal(received))
}

func TestGiftRepository_PaymentIgnoresCancelledGift(t *testing.T) {
	db := testPostgres(t)
	wallets := NewWalletRepository(db)
	gifts := NewGiftRepository(db)
	addresses := seedWallets(t, wallets, 1)
	ctx := testContext(t)

	g := newTestGift(addresses[0], time.Now().Add(3*time.Hour))
	require.NoError(t, gifts.Create(ctx, g))
	ok, err := gifts.Cancel(ctx, g.GiftCode, false)
	require.NoError(t, err)
	require.True(t, ok)

	advanced, err := gifts.AdvancePayment(ctx, g.GiftCode, PaymentUpdate{Status: types.PaymentStatusReceived})
	require.NoError(t, err)
	assert.False(t, advanced)

	got, err := gifts.GetByCode(ctx, g.GiftCode)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStatusPending, got.PaymentStatus)
}

func TestGiftRepository_ClaimOnce(t *testing.T) {
	db := testPostgres(t)
	wallets := NewWalletRepository(db)
	gifts := NewGiftRepository(db)
	addresses := seedWallets(t, wallets, 1)
	ctx := testContext(t)

	g := newTestGift(addresses[0], time.Now().Add(3*time.Hour))
	require.NoError(t, gifts.Create(ctx, g))

	claimed, err := gifts.Claim(ctx, g.GiftCode, "r@example.com", time.Now())
	require.NoError(t, err)
	assert.Nil(t, claimed, "unpaid gift must not be claimable")

	_, err = gifts.AdvancePayment(ctx, g.GiftCode, PaymentUpdate{Status: types.PaymentStatusReceived})
	require.NoError(t, err)

	claimed, err = gifts.Claim(ctx, g.GiftCode, "r@example.com", time.Now())
	require.NoError(t, err)
	assert.Nil(t, claimed, "received but unlocked gift must not be claimable")

	locked, err := gifts.MarkLocked(ctx, g.GiftCode, "0xlock")
	require.NoError(t, err)
	require.True(t, locked)

	claimed, err = gifts.Claim(ctx, g.GiftCode, "r@example.com", time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, types.GiftStatusClaimed, claimed.Status)

	again, err := gifts.Claim(ctx, g.GiftCode, "other@example.com", time.Now())
	require.NoError(t, err)
	assert.Nil(t, again)

	history, total, err := gifts.ListClaimedBy(ctx, "r@example.com", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, history, 1)
	assert.Equal(t, g.GiftCode, history[0].GiftCode)
}

func TestGiftRepository_ExpireUnclaimed(t *testing.T) {
	db := testPostgres(t)
	wallets := NewWalletRepository(db)
	gifts := NewGiftRepository(db)
	addresses := seedWallets(t, wallets, 2)
	ctx := testContext(t)

	old := newTestGift(addresses[0], time.Now().Add(-31*24*time.Hour))
	fresh := newTestGift(addresses[1], time.Now().Add(-24*time.Hour))
	require.NoError(t, gifts.Create(ctx, old))
	require.NoError(t, gifts.Create(ctx, fresh))

	codes, err := gifts.ExpireUnclaimed(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{old.GiftCode}, codes)

	got, err := gifts.GetByCode(ctx, old.GiftCode)
	require.NoError(t, err)
	assert.Equal(t, types.GiftStatusExpired, got.Status)
	assert.False(t, got.IsClaimed)
}

func TestGiftRepository_LockFailureCap(t *testing.T) {
	db := testPostgres(t)
	wallets := NewWalletRepository(db)
	gifts := NewGiftRepository(db)
	addresses := seedWallets(t, wallets, 1)
	ctx := testContext(t)

	g := newTestGift(addresses[0], time.Now().Add(3*time.Hour))
	require.NoError(t, gifts.Create(ctx, g))

	first, err := gifts.RecordLockFailure(ctx, g.GiftCode, "reverted", 2)
	require.NoError(t, err)
	assert.Equal(t, types.GiftStatusPending, first.Status)

	second, err := gifts.RecordLockFailure(ctx, g.GiftCode, "reverted", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, types.GiftStatusFailed, second.Status)
}
