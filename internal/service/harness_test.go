package service

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/timelock-gifts/internal/adapter/adaptertest"
	"github.com/timelock-gifts/internal/config"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/storage/storagetest"
	"github.com/timelock-gifts/internal/types"
	"github.com/timelock-gifts/internal/wallet"
)

const (
	operatorAddress = "0x00000000000000000000000000000000000000aa"
	fallbackAddress = "0x00000000000000000000000000000000000000fb"
	contractAddress = "0x00000000000000000000000000000000000000cc"
)

type harness struct {
	gifts   *storagetest.GiftStore
	wallets *storagetest.WalletStore
	audit   *storagetest.AuditLog
	chain   *adaptertest.FakeChain
	pool    *wallet.Pool

	giftSvc  *GiftService
	payments *PaymentService
	locker   *LockCoordinator
	claims   *ClaimService
	reaper   *Reaper

	operatorKey *ecdsa.PrivateKey
	clock       time.Time
}

func testGiftConfig() config.GiftConfig {
	return config.GiftConfig{
		FeeRate:           decimal.RequireFromString("0.02"),
		GasLimitEstimate:  250000,
		GasFeeFallback:    decimal.RequireFromString("0.05"),
		MinUnlockLead:     2 * time.Hour,
		ReservationWindow: time.Hour,
		Currencies:        []string{"MATIC", "POL", "ETH"},
	}
}

func testObserverConfig() config.ObserverConfig {
	return config.ObserverConfig{
		PollInterval:     time.Second,
		Tolerance:        decimal.RequireFromString("0.01"),
		ReservationGrace: 24 * time.Hour,
		MaxLockAttempts:  3,
		LockLease:        5 * time.Minute,
		MinGasReserve:    decimal.RequireFromString("0.001"),
		BatchSize:        100,
	}
}

func testChainConfig() config.ChainConfig {
	return config.ChainConfig{
		ChainID:         137,
		ContractAddress: contractAddress,
		OperatorAddress: operatorAddress,
		FallbackAddress: fallbackAddress,
		Confirmations:   1,
	}
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		MaxAutoTransferAttempts: 3,
		ExpiryGrace:             30 * 24 * time.Hour,
		BatchSize:               100,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	enc, err := wallet.NewEncryptor("service-test-secret")
	require.NoError(t, err)
	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		gifts:       storagetest.NewGiftStore(),
		wallets:     storagetest.NewWalletStore(),
		audit:       &storagetest.AuditLog{},
		chain:       adaptertest.NewFakeChain(),
		operatorKey: operatorKey,
		clock:       time.Now().UTC().Truncate(time.Second),
	}
	h.wallets.Gifts = h.gifts
	h.pool = wallet.NewPool(h.wallets, h.chain, nil, enc)

	chainCfg := testChainConfig()
	h.giftSvc = NewGiftService(h.gifts, h.pool, h.chain, h.audit, testGiftConfig(), contractAddress)
	h.locker = NewLockCoordinator(h.gifts, h.pool, h.chain, h.chain, h.audit, testObserverConfig(), chainCfg)
	h.locker.pollInterval = time.Millisecond
	h.payments = NewPaymentService(h.gifts, h.pool, h.chain, h.locker, h.audit, testObserverConfig(), chainCfg)
	h.claims = NewClaimService(h.gifts, h.pool, h.audit)
	h.reaper = NewReaper(h.gifts, h.chain, h.chain, operatorKey, h.audit, testReaperConfig())

	now := func() time.Time { return h.clock }
	h.giftSvc.now = now
	h.payments.now = now
	h.claims.now = now
	h.reaper.now = now

	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func validInput(h *harness) *CreateGiftInput {
	return &CreateGiftInput{
		RecipientFirstName: "Ada",
		RecipientLastName:  "Lovelace",
		Amount:             decimal.RequireFromString("1.0"),
		Currency:           "MATIC",
		UnlockDate:         h.clock.Add(3 * time.Hour).Format(time.RFC3339),
		BuyerEmail:         "buyer@example.com",
	}
}

func (h *harness) createGift(t *testing.T) *CreateGiftResult {
	t.Helper()
	result, err := h.giftSvc.CreateGift(context.Background(), validInput(h))
	require.NoError(t, err)
	return result
}

// activeGift creates a gift, pays it in full and runs one poll cycle
func (h *harness) activeGift(t *testing.T) *models.Gift {
	t.Helper()
	result := h.createGift(t)
	h.chain.Deposit(result.PaymentAddress, result.TotalAmount)

	_, err := h.payments.PollOnce(context.Background())
	require.NoError(t, err)

	g := h.gift(t, result.GiftCode)
	require.Equal(t, types.GiftStatusActive, g.Status)
	return g
}

func (h *harness) gift(t *testing.T, code string) *models.Gift {
	t.Helper()
	g, err := h.gifts.GetByCode(context.Background(), code)
	require.NoError(t, err)
	return g
}
