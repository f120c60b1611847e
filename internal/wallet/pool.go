package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/storage"
)

// Store persists pool wallets
type Store interface {
	Insert(ctx context.Context, w *models.Wallet) error
	Reserve(ctx context.Context) (*models.Wallet, error)
	Release(ctx context.Context, address string) error
	GetByAddress(ctx context.Context, address string) (*models.Wallet, error)
	CountUnreserved(ctx context.Context) (int, error)
	UpdateBalance(ctx context.Context, address string, balance decimal.Decimal, at time.Time) error
	ListOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ReleaseOrphan(ctx context.Context, address string, cutoff time.Time) (bool, error)
}

const reclaimBatchSize = 500

// BalanceReader reads live balances from chain
type BalanceReader interface {
	BalanceAt(ctx context.Context, address string, block *uint64) (decimal.Decimal, error)
}

// BalanceCache remembers the last observed balance per address
type BalanceCache interface {
	Put(ctx context.Context, address string, balance decimal.Decimal, at time.Time) error
	Last(ctx context.Context, address string) (*storage.CachedBalance, error)
}

// Balance is a balance reading and where it came from
type Balance struct {
	Address   string          `json:"address"`
	Balance   decimal.Decimal `json:"balance"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Stale     bool            `json:"stale"`
}

// Pool hands out custodial wallets, each to at most one gift at a time
type Pool struct {
	store     Store
	chain     BalanceReader
	cache     BalanceCache
	encryptor *Encryptor
	logger    *logging.Logger

	// serializes wallet generation
	genMu sync.Mutex
}

// NewPool creates a wallet pool. cache may be nil.
func NewPool(store Store, chain BalanceReader, cache BalanceCache, encryptor *Encryptor) *Pool {
	return &Pool{
		store:     store,
		chain:     chain,
		cache:     cache,
		encryptor: encryptor,
		logger:    logging.Component("wallet_pool"),
	}
}

// Reserve claims a free wallet, generating one when the pool is empty
func (p *Pool) Reserve(ctx context.Context) (*models.Wallet, error) {
	w, err := p.store.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w, nil
	}

	p.logger.Warn("Wallet pool empty, generating on demand")
	if err := p.generateIfEmpty(ctx); err != nil {
		return nil, err
	}

	w, err = p.store.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, apperrors.NewNoWalletAvailableError()
	}
	return w, nil
}

func (p *Pool) generateIfEmpty(ctx context.Context) error {
	p.genMu.Lock()
	defer p.genMu.Unlock()

	free, err := p.store.CountUnreserved(ctx)
	if err != nil {
		return err
	}
	if free > 0 {
		return nil
	}
	_, err = p.generate(ctx, 1)
	return err
}

// Release returns a wallet to the pool; releasing a free wallet is a no-op
func (p *Pool) Release(ctx context.Context, address string) error {
	if err := p.store.Release(ctx, address); err != nil {
		return err
	}
	p.logger.WithField("address", address).Debug("Released wallet")
	return nil
}

// Lookup returns a pool wallet without its key material being decrypted
func (p *Pool) Lookup(ctx context.Context, address string) (*models.Wallet, error) {
	return p.store.GetByAddress(ctx, address)
}

// ReclaimOrphaned releases wallets reserved before cutoff that back no live
// gift. A wallet is released only after a live read shows it empty: funds
// left by a cancelled gift keep it reserved for the refund.
func (p *Pool) ReclaimOrphaned(ctx context.Context, cutoff time.Time) (int64, error) {
	if p.chain == nil {
		return 0, fmt.Errorf("reclaim needs a balance reader")
	}

	candidates, err := p.store.ListOrphaned(ctx, cutoff, reclaimBatchSize)
	if err != nil {
		return 0, err
	}

	var released int64
	for _, address := range candidates {
		logger := p.logger.WithField("address", address)

		balance, err := p.chain.BalanceAt(ctx, address, nil)
		if err != nil {
			logger.WithError(err).Warn("Could not read balance, keeping reservation")
			continue
		}
		if !balance.IsZero() {
			logger.WithField("balance", balance.String()).Warn("Orphaned wallet holds funds, keeping it reserved for refund")
			continue
		}

		ok, err := p.store.ReleaseOrphan(ctx, address, cutoff)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}

	if released > 0 {
		p.logger.WithField("count", released).Info("Reclaimed orphaned wallet reservations")
	}
	return released, nil
}

// EnsureMinimum tops the unreserved count up to n and returns how many were created
func (p *Pool) EnsureMinimum(ctx context.Context, n int) (int, error) {
	p.genMu.Lock()
	defer p.genMu.Unlock()

	free, err := p.store.CountUnreserved(ctx)
	if err != nil {
		return 0, err
	}
	if free >= n {
		return 0, nil
	}

	created, err := p.generate(ctx, n-free)
	if len(created) > 0 {
		p.logger.WithFields(map[string]interface{}{
			"created": len(created),
			"target":  n,
		}).Info("Replenished wallet pool")
	}
	return len(created), err
}

// Generate creates n new unreserved wallets
func (p *Pool) Generate(ctx context.Context, n int) ([]*models.Wallet, error) {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	return p.generate(ctx, n)
}

func (p *Pool) generate(ctx context.Context, n int) ([]*models.Wallet, error) {
	created := make([]*models.Wallet, 0, n)
	for i := 0; i < n; i++ {
		key, err := GenerateKey()
		if err != nil {
			return created, apperrors.NewInternalError("generate wallet", err)
		}

		encKey, err := p.encryptor.Encrypt(key.PrivateKeyHex())
		if err != nil {
			return created, apperrors.NewInternalError("encrypt wallet key", err)
		}
		encMnemonic, err := p.encryptor.Encrypt(key.Mnemonic)
		if err != nil {
			return created, apperrors.NewInternalError("encrypt wallet mnemonic", err)
		}

		w := &models.Wallet{
			Address:             key.Address,
			EncryptedPrivateKey: encKey,
			EncryptedMnemonic:   encMnemonic,
		}
		if err := p.store.Insert(ctx, w); err != nil {
			return created, err
		}
		created = append(created, w)
	}
	return created, nil
}

// GetBalance reads the live balance, falling back to the last cached value
// (Redis, then the wallets row) when the chain cannot be reached.
func (p *Pool) GetBalance(ctx context.Context, address string) (*Balance, error) {
	balance, err := p.chain.BalanceAt(ctx, address, nil)
	if err == nil {
		now := time.Now().UTC()
		p.remember(ctx, address, balance, now)
		return &Balance{Address: address, Balance: balance, FetchedAt: now}, nil
	}

	p.logger.WithError(err).WithField("address", address).Warn("Live balance unavailable, using cached value")

	if p.cache != nil {
		if cached, cacheErr := p.cache.Last(ctx, address); cacheErr == nil && cached != nil {
			return &Balance{Address: address, Balance: cached.Balance, FetchedAt: cached.FetchedAt, Stale: true}, nil
		}
	}

	w, dbErr := p.store.GetByAddress(ctx, address)
	if dbErr == nil && w.Balance != nil && w.BalanceUpdatedAt != nil {
		return &Balance{Address: address, Balance: *w.Balance, FetchedAt: *w.BalanceUpdatedAt, Stale: true}, nil
	}

	return nil, err
}

func (p *Pool) remember(ctx context.Context, address string, balance decimal.Decimal, at time.Time) {
	if p.cache != nil {
		if err := p.cache.Put(ctx, address, balance, at); err != nil {
			p.logger.WithError(err).Debug("Failed to cache balance")
		}
	}
	if err := p.store.UpdateBalance(ctx, address, balance, at); err != nil {
		p.logger.WithError(err).Debug("Failed to persist balance")
	}
}

// SigningKey decrypts the private key of a pool wallet
func (p *Pool) SigningKey(ctx context.Context, address string) (*ecdsa.PrivateKey, error) {
	w, err := p.store.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	plain, err := p.encryptor.Decrypt(w.EncryptedPrivateKey)
	if err != nil {
		return nil, apperrors.NewInternalError("decrypt wallet key", err)
	}
	return KeyFromHex(plain)
}

// Disclose decrypts the full key material of a pool wallet for its recipient
func (p *Pool) Disclose(ctx context.Context, address string) (*KeyMaterial, error) {
	w, err := p.store.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	plainKey, err := p.encryptor.Decrypt(w.EncryptedPrivateKey)
	if err != nil {
		return nil, apperrors.NewInternalError("decrypt wallet key", err)
	}
	key, err := KeyFromHex(plainKey)
	if err != nil {
		return nil, apperrors.NewInternalError("parse wallet key", err)
	}

	mnemonic := ""
	if w.EncryptedMnemonic != "" {
		if mnemonic, err = p.encryptor.Decrypt(w.EncryptedMnemonic); err != nil {
			return nil, apperrors.NewInternalError("decrypt wallet mnemonic", err)
		}
	}

	return &KeyMaterial{Address: w.Address, PrivateKey: key, Mnemonic: mnemonic}, nil
}

// String renders the reading for logs
func (b *Balance) String() string {
	return fmt.Sprintf("%s=%s (stale=%t)", b.Address, b.Balance.String(), b.Stale)
}
