package wallet

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timelock-gifts/internal/adapter/adaptertest"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/storage"
	"github.com/timelock-gifts/internal/storage/storagetest"
	"github.com/timelock-gifts/internal/types"
)

const testSecret = "unit-test-secret"

func TestEncryptionRoundTripProperty(t *testing.T) {
	enc, err := NewEncryptor(testSecret)
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("current format round-trips", prop.ForAll(
		func(plain string) bool {
			sealed, err := enc.Encrypt(plain)
			if err != nil {
				return false
			}
			opened, err := enc.Decrypt(sealed)
			return err == nil && opened == plain
		},
		gen.AnyString(),
	))

	properties.Property("legacy format round-trips", prop.ForAll(
		func(plain string) bool {
			sealed, err := enc.encryptLegacy(plain)
			if err != nil {
				return false
			}
			opened, err := enc.Decrypt(sealed)
			return err == nil && opened == plain
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestEncryptUsesFreshIV(t *testing.T) {
	enc, _ := NewEncryptor(testSecret)

	a, err := enc.Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := enc.Encrypt("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	ivHex, body, ok := strings.Cut(a, ":")
	require.True(t, ok)
	assert.Len(t, ivHex, 32)
	assert.NotContains(t, body, "same plaintext")
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	enc, _ := NewEncryptor(testSecret)

	for _, input := range []string{"", "zz", "abcd:ef", "00112233445566778899aabbccddeeff:abc"} {
		_, err := enc.Decrypt(input)
		assert.Error(t, err, input)
	}

	_, err := NewEncryptor("")
	assert.Error(t, err)
}

func TestDecryptWithWrongSecret(t *testing.T) {
	enc, _ := NewEncryptor(testSecret)
	other, _ := NewEncryptor("another-secret")

	sealed, err := enc.Encrypt("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	opened, err := other.Decrypt(sealed)
	if err == nil {
		assert.NotEqual(t, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", opened)
	}
}

func TestKeyFromMnemonicKnownVector(t *testing.T) {
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	key, err := KeyFromMnemonic(mnemonic)
	require.NoError(t, err)
	assert.Equal(t, "0x9858effd232b4033e47d90003d41ec34ecaeda94", key.Address)

	restored, err := KeyFromHex(key.PrivateKeyHex())
	require.NoError(t, err)
	assert.Equal(t, key.PrivateKey.D, restored.D)

	_, err = KeyFromMnemonic("not a valid mnemonic")
	assert.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	assert.Len(t, strings.Fields(key.Mnemonic), 12)
	assert.Equal(t, strings.ToLower(key.Address), key.Address)

	again, err := KeyFromMnemonic(key.Mnemonic)
	require.NoError(t, err)
	assert.Equal(t, key.Address, again.Address)
}

func newTestPool(t *testing.T) (*Pool, *storagetest.WalletStore, *adaptertest.FakeChain) {
	t.Helper()
	enc, err := NewEncryptor(testSecret)
	require.NoError(t, err)

	store := storagetest.NewWalletStore()
	chain := adaptertest.NewFakeChain()
	return NewPool(store, chain, nil, enc), store, chain
}

func TestReserveGeneratesOnEmptyPool(t *testing.T) {
	pool, store, _ := newTestPool(t)
	ctx := context.Background()

	w, err := pool.Reserve(ctx)
	require.NoError(t, err)
	assert.True(t, w.Reserved)
	assert.Equal(t, 1, store.Len())

	material, err := pool.Disclose(ctx, w.Address)
	require.NoError(t, err)
	assert.Equal(t, w.Address, material.Address)
	assert.Len(t, strings.Fields(material.Mnemonic), 12)

	signing, err := pool.SigningKey(ctx, w.Address)
	require.NoError(t, err)
	assert.Equal(t, material.PrivateKey.D, signing.D)
}

func TestConcurrentReservationsAreExclusive(t *testing.T) {
	pool, _, _ := newTestPool(t)
	ctx := context.Background()

	_, err := pool.EnsureMinimum(ctx, 8)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := pool.Reserve(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			seen[w.Address]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 8)
	for addr, count := range seen {
		assert.Equal(t, 1, count, addr)
	}
}

func TestEnsureMinimum(t *testing.T) {
	pool, store, _ := newTestPool(t)
	ctx := context.Background()

	created, err := pool.EnsureMinimum(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	created, err = pool.EnsureMinimum(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	w, err := pool.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, w.Address))
	require.NoError(t, pool.Release(ctx, w.Address))

	free, _ := store.CountUnreserved(ctx)
	assert.Equal(t, 3, free)
}

func TestGetBalanceFallsBackToCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := storage.NewBalanceCache(
		storage.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
		time.Minute,
	)

	enc, _ := NewEncryptor(testSecret)
	store := storagetest.NewWalletStore()
	chain := adaptertest.NewFakeChain()
	pool := NewPool(store, chain, cache, enc)
	ctx := context.Background()

	w, err := pool.Reserve(ctx)
	require.NoError(t, err)
	chain.Deposit(w.Address, decimal.RequireFromString("1.5"))

	live, err := pool.GetBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.False(t, live.Stale)
	assert.True(t, live.Balance.Equal(decimal.RequireFromString("1.5")))

	chain.BalanceErr = errors.New("rpc down")
	cached, err := pool.GetBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, cached.Stale)
	assert.True(t, cached.Balance.Equal(decimal.RequireFromString("1.5")))

	mr.FlushAll()
	fromDB, err := pool.GetBalance(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, fromDB.Stale)
	assert.True(t, fromDB.Balance.Equal(decimal.RequireFromString("1.5")))
}

func TestGetBalanceWithoutAnyReading(t *testing.T) {
	pool, _, chain := newTestPool(t)
	chain.BalanceErr = errors.New("rpc down")

	_, err := pool.GetBalance(context.Background(), "0x52908400098527886e0f7030069857d2e4169ee7")
	assert.Error(t, err)
}

func TestReclaimOrphanedSkipsWalletsBackingGifts(t *testing.T) {
	enc, _ := NewEncryptor(testSecret)
	gifts := storagetest.NewGiftStore()
	store := storagetest.NewWalletStore()
	store.Gifts = gifts
	pool := NewPool(store, adaptertest.NewFakeChain(), nil, enc)
	ctx := context.Background()

	orphan, err := pool.Reserve(ctx)
	require.NoError(t, err)
	used, err := pool.Reserve(ctx)
	require.NoError(t, err)

	gifts.Put(&models.Gift{GiftCode: "GIFT-USED0001", WalletAddress: used.Address, Status: types.GiftStatusPending})

	past := time.Now().Add(-48 * time.Hour)
	store.Backdate(orphan.Address, past)
	store.Backdate(used.Address, past)

	n, err := pool.ReclaimOrphaned(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	w, err := pool.Lookup(ctx, orphan.Address)
	require.NoError(t, err)
	assert.False(t, w.Reserved)

	w, err = pool.Lookup(ctx, used.Address)
	require.NoError(t, err)
	assert.True(t, w.Reserved)
}

func TestReclaimOrphanedKeepsFundedWallets(t *testing.T) {
	enc, _ := NewEncryptor(testSecret)
	gifts := storagetest.NewGiftStore()
	store := storagetest.NewWalletStore()
	store.Gifts = gifts
	chain := adaptertest.NewFakeChain()
	pool := NewPool(store, chain, nil, enc)
	ctx := context.Background()

	funded, err := pool.Reserve(ctx)
	require.NoError(t, err)
	drained, err := pool.Reserve(ctx)
	require.NoError(t, err)

	// both gifts were cancelled; only the first wallet still holds the buyer's payment
	gifts.Put(&models.Gift{GiftCode: "GIFT-FUNDED01", WalletAddress: funded.Address, Status: types.GiftStatusCancelled})
	gifts.Put(&models.Gift{GiftCode: "GIFT-DRAINED1", WalletAddress: drained.Address, Status: types.GiftStatusCancelled})
	chain.Deposit(funded.Address, decimal.RequireFromString("0.5"))

	past := time.Now().Add(-48 * time.Hour)
	store.Backdate(funded.Address, past)
	store.Backdate(drained.Address, past)
	cutoff := time.Now().Add(-24 * time.Hour)

	n, err := pool.ReclaimOrphaned(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	w, err := pool.Lookup(ctx, funded.Address)
	require.NoError(t, err)
	assert.True(t, w.Reserved)
	w, err = pool.Lookup(ctx, drained.Address)
	require.NoError(t, err)
	assert.False(t, w.Reserved)

	// the next reservation must not hand out the funded wallet
	next, err := pool.Reserve(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, funded.Address, next.Address)
}

func TestReclaimOrphanedKeepsReservationWhenBalanceUnknown(t *testing.T) {
	enc, _ := NewEncryptor(testSecret)
	store := storagetest.NewWalletStore()
	chain := adaptertest.NewFakeChain()
	pool := NewPool(store, chain, nil, enc)
	ctx := context.Background()

	w, err := pool.Reserve(ctx)
	require.NoError(t, err)
	store.Backdate(w.Address, time.Now().Add(-48*time.Hour))
	chain.BalanceErr = errors.New("rpc down")

	n, err := pool.ReclaimOrphaned(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := pool.Lookup(ctx, w.Address)
	require.NoError(t, err)
	assert.True(t, got.Reserved)
}

func TestReclaimOrphanedNeedsBalanceReader(t *testing.T) {
	enc, _ := NewEncryptor(testSecret)
	pool := NewPool(storagetest.NewWalletStore(), nil, nil, enc)

	_, err := pool.ReclaimOrphaned(context.Background(), time.Now())
	assert.Error(t, err)
}
