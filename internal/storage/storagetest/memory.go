// Package storagetest provides in-memory stores with the same conditional-update
// semantics as the Postgres repositories, for use in tests.
package storagetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/storage"
	"github.com/timelock-gifts/internal/types"
)

// GiftStore is an in-memory gift repository
type GiftStore struct {
	mu    sync.Mutex
	gifts map[string]*models.Gift

	// Now supplies the clock used for lease checks; defaults to time.Now
	Now func() time.Time
}

// NewGiftStore creates an empty gift store
func NewGiftStore() *GiftStore {
	return &GiftStore{gifts: make(map[string]*models.Gift), Now: time.Now}
}

func clone(g *models.Gift) *models.Gift {
	c := *g
	return &c
}

func strPtr(s string) *string { return &s }

func statusIn(s types.GiftStatus, set []types.GiftStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Put stores a gift as-is, bypassing creation checks
func (s *GiftStore) Put(g *models.Gift) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gifts[g.GiftCode] = clone(g)
}

// Create inserts a new gift
func (s *GiftStore) Create(ctx context.Context, g *models.Gift) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gifts[g.GiftCode]; ok {
		return storage.ErrDuplicateGiftCode
	}
	for _, other := range s.gifts {
		if other.WalletAddress == g.WalletAddress &&
			(other.Status == types.GiftStatusCreated || other.Status == types.GiftStatusPending) {
			return storage.ErrWalletInUse
		}
	}
	c := clone(g)
	c.UpdatedAt = c.CreatedAt
	s.gifts[g.GiftCode] = c
	return nil
}

// GetByCode retrieves a gift by its shareable code
func (s *GiftStore) GetByCode(ctx context.Context, code string) (*models.Gift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gifts[code]
	if !ok {
		return nil, apperrors.NewNotFoundError("gift", code)
	}
	return clone(g), nil
}

// GetByChainGiftID retrieves a gift by its on-chain identifier
func (s *GiftStore) GetByChainGiftID(ctx context.Context, chainGiftID string) (*models.Gift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.gifts {
		if strings.EqualFold(g.ChainGiftID, chainGiftID) {
			return clone(g), nil
		}
	}
	return nil, apperrors.NewNotFoundError("gift", chainGiftID)
}

// Cancel mirrors GiftRepository.Cancel
func (s *GiftStore) Cancel(ctx context.Context, code string, paymentExpired bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gifts[code]
	if !ok || !statusIn(g.Status, types.SourcesFor(types.GiftStatusCancelled)) || g.PaymentStatus != types.PaymentStatusPending {
		return false, nil
	}
	g.Status = types.GiftStatusCancelled
	if paymentExpired {
		g.PaymentStatus = types.PaymentStatusExpired
	}
	return true, nil
}

// AdvancePayment mirrors GiftRepository.AdvancePayment
func (s *GiftStore) AdvancePayment(ctx context.Context, code string, update storage.PaymentUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gifts[code]
	if !ok || g.PaymentStatus.Rank() < 0 || g.PaymentStatus.Rank() >= update.Status.Rank() ||
		g.PaymentStatus.Rank() >= types.PaymentStatusExpired.Rank() || models.IsClosed(g) {
		return false, nil
	}
	g.PaymentStatus = update.Status
	if update.TotalReceived != nil {
		g.TotalReceived = *update.TotalReceived
	}
	if update.TxHash != nil {
		g.PaymentTxHash = strPtr(*update.TxHash)
	}
	g.LastPaymentError = nil
	return true, nil
}

// RecordDiversion mirrors GiftRepository.RecordDiversion
func (s *GiftStore) RecordDiversion(ctx context.Context, code string, txHash *string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gifts[code]; ok {
		if txHash != nil {
			g.DivertedTxHash = strPtr(*txHash)
		}
		g.LastPaymentError = strPtr(reason)
	}
	return nil
}

// AcquireLockLease mirrors GiftRepository.AcquireLockLease
func (s *GiftStore) AcquireLockLease(ctx context.Context, code string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gifts[code]
	now := s.Now()
	if !ok || g.ContractLocked || !statusIn(g.Status, types.SourcesFor(types.GiftStatusActive)) {
		return false, nil
	}
	if g.LockStartedAt != nil && !g.LockStartedAt.Before(now.Add(-lease)) {
		return false, nil
	}
	g.LockStartedAt = &now
	return true, nil
}

// MarkLocked mirrors GiftRepository.MarkLocked
func (s *GiftStore) MarkLocked(ctx context.Context, code string, lockTxHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gifts[code]
	if !ok || g.ContractLocked || !statusIn(g.Status, types.SourcesFor(types.GiftStatusActive)) {
		return false, nil
	}
	g.ContractLocked = true
	g.Status = types.GiftStatusActive
	g.LockTxHash = strPtr(lockTxHash)
	g.LockStartedAt = nil
	g.LastLockError = nil
	return true, nil
}

// RecordLockFailure mirrors GiftRepository.RecordLockFailure
func (s *GiftStore) RecordLockFailure(ctx context.Context, code string, reason string, maxAttempts int) (*storage.LockFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gifts[code]
	if !ok || g.ContractLocked {
		return nil, apperrors.NewNotFoundError("unlocked gift", code)
	}
	g.LockAttempts++
	g.LastLockError = strPtr(reason)
	g.LockStartedAt = nil
	if g.LockAttempts >= maxAttempts && statusIn(g.Status, types.SourcesFor(types.GiftStatusFailed)) {
		g.Status = types.GiftStatusFailed
	}
	return &storage.LockFailure{Attempts: g.LockAttempts, Status: g.Status}, nil
}

// RecordFeeForward mirrors GiftRepository.RecordFeeForward
func (s *GiftStore) RecordFeeForward(ctx context.Context, code string, feeTxHash *string, profit decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gifts[code]; ok {
		if feeTxHash != nil {
			g.FeeTxHash = strPtr(*feeTxHash)
		}
		g.PlatformProfit = profit
	}
	return nil
}

// Claim mirrors GiftRepository.Claim
func (s *GiftStore) Claim(ctx context.Context, code string, claimant string, at time.Time) (*models.Gift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gifts[code]
	if !ok || g.IsClaimed || g.PaymentStatus != types.PaymentStatusReceived || !models.IsClaimable(g) {
		return nil, nil
	}
	g.IsClaimed = true
	g.ClaimedBy = strPtr(claimant)
	g.ClaimedAt = &at
	g.Status = types.GiftStatusClaimed
	return clone(g), nil
}

func (s *GiftStore) references(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.gifts {
		if g.WalletAddress == address && g.Status != types.GiftStatusCancelled {
			return true
		}
	}
	return false
}

func (s *GiftStore) filter(limit int, keep func(*models.Gift) bool, less func(a, b *models.Gift) bool) []*models.Gift {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Gift
	for _, g := range s.gifts {
		if keep(g) {
			out = append(out, clone(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byCreated(a, b *models.Gift) bool { return a.CreatedAt.Before(b.CreatedAt) }

// ListPendingPayments mirrors GiftRepository.ListPendingPayments
func (s *GiftStore) ListPendingPayments(ctx context.Context, limit int) ([]*models.Gift, error) {
	return s.filter(limit, func(g *models.Gift) bool {
		return g.PaymentStatus == types.PaymentStatusPending &&
			(g.Status == types.GiftStatusCreated || g.Status == types.GiftStatusPending)
	}, byCreated), nil
}

// ListPaidUnconfirmed mirrors GiftRepository.ListPaidUnconfirmed
func (s *GiftStore) ListPaidUnconfirmed(ctx context.Context, limit int) ([]*models.Gift, error) {
	return s.filter(limit, func(g *models.Gift) bool {
		return g.PaymentStatus == types.PaymentStatusPaid && g.PaymentTxHash != nil
	}, byCreated), nil
}

// ListAwaitingLock mirrors GiftRepository.ListAwaitingLock
func (s *GiftStore) ListAwaitingLock(ctx context.Context, maxAttempts int, limit int) ([]*models.Gift, error) {
	return s.filter(limit, func(g *models.Gift) bool {
		return g.PaymentStatus == types.PaymentStatusReceived && !g.ContractLocked &&
			(g.Status == types.GiftStatusCreated || g.Status == types.GiftStatusPending) &&
			g.LockAttempts < maxAttempts
	}, byCreated), nil
}

// ListAutoTransferEligible mirrors GiftRepository.ListAutoTransferEligible
func (s *GiftStore) ListAutoTransferEligible(ctx context.Context, now time.Time, maxAttempts int, limit int) ([]*models.Gift, error) {
	return s.filter(limit, func(g *models.Gift) bool {
		return models.IsEligibleForAutoTransfer(g, now, maxAttempts)
	}, func(a, b *models.Gift) bool { return a.UnlockDate.Before(b.UnlockDate) }), nil
}

// RecordAutoTransfer mirrors GiftRepository.RecordAutoTransfer
func (s *GiftStore) RecordAutoTransfer(ctx context.Context, code string, txHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gifts[code]; ok && g.AutoTransferTxHash == nil {
		g.AutoTransferTxHash = strPtr(txHash)
		g.LastAutoTransferAttempt = &at
		g.LastAutoTransferError = nil
	}
	return nil
}

// RecordAutoTransferFailure mirrors GiftRepository.RecordAutoTransferFailure
func (s *GiftStore) RecordAutoTransferFailure(ctx context.Context, code string, reason string, at time.Time, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gifts[code]
	if !ok || g.AutoTransferAttempts >= maxAttempts {
		return maxAttempts, nil
	}
	g.AutoTransferAttempts++
	g.LastAutoTransferAttempt = &at
	if g.AutoTransferAttempts >= maxAttempts {
		reason = "attempt cap reached: " + reason
	}
	g.LastAutoTransferError = strPtr(reason)
	return g.AutoTransferAttempts, nil
}

// ResetAutoTransfer mirrors GiftRepository.ResetAutoTransfer
func (s *GiftStore) ResetAutoTransfer(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gifts[code]
	if !ok || g.AutoTransferTxHash != nil || g.IsClaimed ||
		g.Status == types.GiftStatusCancelled || g.Status == types.GiftStatusExpired || g.Status == types.GiftStatusClaimed {
		return false, nil
	}
	g.AutoTransferAttempts = 0
	g.LastAutoTransferError = nil
	return true, nil
}

// ExpireUnclaimed mirrors GiftRepository.ExpireUnclaimed
func (s *GiftStore) ExpireUnclaimed(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := []string{}
	for _, g := range s.gifts {
		if !g.UnlockDate.After(cutoff) && !g.IsClaimed && statusIn(g.Status, types.SourcesFor(types.GiftStatusExpired)) {
			g.Status = types.GiftStatusExpired
			codes = append(codes, g.GiftCode)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// ListClaimedBy mirrors GiftRepository.ListClaimedBy
func (s *GiftStore) ListClaimedBy(ctx context.Context, email string, limit, offset int) ([]*models.Gift, int, error) {
	all := s.filter(0, func(g *models.Gift) bool {
		return g.IsClaimed && g.ClaimedBy != nil && *g.ClaimedBy == email
	}, func(a, b *models.Gift) bool { return a.ClaimedAt.After(*b.ClaimedAt) })

	total := len(all)
	if offset >= total {
		return []*models.Gift{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// WalletStore is an in-memory wallet repository
type WalletStore struct {
	mu      sync.Mutex
	wallets []*models.Wallet

	// Gifts backs the orphan queries; without it every reserved wallet counts as orphaned
	Gifts *GiftStore
}

// NewWalletStore creates an empty wallet store
func NewWalletStore() *WalletStore {
	return &WalletStore{}
}

// Insert mirrors WalletRepository.Insert
func (s *WalletStore) Insert(ctx context.Context, w *models.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Address = strings.ToLower(w.Address)
	w.ID = int64(len(s.wallets) + 1)
	w.Index = w.ID
	w.CreatedAt = time.Now().UTC()
	c := *w
	s.wallets = append(s.wallets, &c)
	return nil
}

// Reserve mirrors WalletRepository.Reserve
func (s *WalletStore) Reserve(ctx context.Context) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if !w.Reserved {
			now := time.Now().UTC()
			w.Reserved = true
			w.ReservedAt = &now
			c := *w
			return &c, nil
		}
	}
	return nil, nil
}

// Release mirrors WalletRepository.Release
func (s *WalletStore) Release(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.Address == strings.ToLower(address) {
			w.Reserved = false
			w.ReservedAt = nil
		}
	}
	return nil
}

// GetByAddress mirrors WalletRepository.GetByAddress
func (s *WalletStore) GetByAddress(ctx context.Context, address string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.Address == strings.ToLower(address) {
			c := *w
			return &c, nil
		}
	}
	return nil, apperrors.NewNotFoundError("wallet", address)
}

// CountUnreserved mirrors WalletRepository.CountUnreserved
func (s *WalletStore) CountUnreserved(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.wallets {
		if !w.Reserved {
			count++
		}
	}
	return count, nil
}

// UpdateBalance mirrors WalletRepository.UpdateBalance
func (s *WalletStore) UpdateBalance(ctx context.Context, address string, balance decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.Address == strings.ToLower(address) {
			b := balance
			w.Balance = &b
			w.BalanceUpdatedAt = &at
		}
	}
	return nil
}

func (s *WalletStore) orphaned(w *models.Wallet, cutoff time.Time) bool {
	if !w.Reserved || w.ReservedAt == nil || !w.ReservedAt.Before(cutoff) {
		return false
	}
	return s.Gifts == nil || !s.Gifts.references(w.Address)
}

// ListOrphaned mirrors WalletRepository.ListOrphaned
func (s *WalletStore) ListOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*models.Wallet
	for _, w := range s.wallets {
		if s.orphaned(w, cutoff) {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ReservedAt.Before(*candidates[j].ReservedAt) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	addresses := make([]string, 0, len(candidates))
	for _, w := range candidates {
		addresses = append(addresses, w.Address)
	}
	return addresses, nil
}

// ReleaseOrphan mirrors WalletRepository.ReleaseOrphan
func (s *WalletStore) ReleaseOrphan(ctx context.Context, address string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.Address == strings.ToLower(address) && s.orphaned(w, cutoff) {
			w.Reserved = false
			w.ReservedAt = nil
			return true, nil
		}
	}
	return false, nil
}

// Backdate moves a wallet's reservation time, for lapse tests
func (s *WalletStore) Backdate(address string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.Address == strings.ToLower(address) && w.Reserved {
			t := at
			w.ReservedAt = &t
		}
	}
}

// Len returns the number of wallets in the store
func (s *WalletStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wallets)
}

// AuditLog collects audit events in memory
type AuditLog struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

// Record appends an event
func (a *AuditLog) Record(ctx context.Context, event *models.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

// Types returns the recorded event types for a gift in order
func (a *AuditLog) Types(giftCode string) []types.AuditEventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []types.AuditEventType
	for _, e := range a.events {
		if e.GiftCode == giftCode {
			out = append(out, e.EventType)
		}
	}
	return out
}
