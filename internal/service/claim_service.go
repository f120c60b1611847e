package service

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/types"
)

// Claimed history pagination bounds
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// ClaimService verifies gifts and discloses their key material to recipients
type ClaimService struct {
	gifts   GiftStore
	wallets Wallets
	audit   AuditSink
	logger  *logging.Logger

	now func() time.Time
}

// NewClaimService creates a claim service
func NewClaimService(gifts GiftStore, wallets Wallets, audit AuditSink) *ClaimService {
	if audit == nil {
		audit = NopAudit{}
	}
	return &ClaimService{
		gifts:   gifts,
		wallets: wallets,
		audit:   audit,
		logger:  logging.Component("claim_service"),
		now:     time.Now,
	}
}

// Verify reports whether a gift exists and is ready to be claimed
func (s *ClaimService) Verify(ctx context.Context, code string) (*models.GiftSummary, error) {
	g, err := s.gifts.GetByCode(ctx, NormalizeGiftCode(code))
	if err != nil {
		return nil, err
	}
	return models.Summarize(g), nil
}

// checkClaimable applies the claim checks in order: already claimed, payment
// pending, a status that no longer allows claims, then a lock that has not
// landed yet
func checkClaimable(g *models.Gift) error {
	if g.IsClaimed {
		return apperrors.NewAlreadyClaimedError(g.GiftCode)
	}
	if !g.PaymentStatus.Cleared() {
		return apperrors.NewPaymentPendingError(g.GiftCode)
	}
	if models.IsClosed(g) {
		return apperrors.NewConflictError(apperrors.CodeNotClaimable, "gift can no longer be claimed: "+string(g.Status))
	}
	// received but the principal is not in the contract yet
	if !models.IsClaimable(g) {
		return apperrors.NewPaymentPendingError(g.GiftCode)
	}
	return nil
}

func validateClaimant(claimant string) (string, error) {
	claimant = strings.ToLower(strings.TrimSpace(claimant))
	if !emailPattern.MatchString(claimant) {
		return "", apperrors.NewValidationError("userEmail", "must be a valid email address")
	}
	return claimant, nil
}

// Preclaim previews the key material without claiming. It may be repeated.
func (s *ClaimService) Preclaim(ctx context.Context, code string, claimant string) (*models.Disclosure, error) {
	claimant, err := validateClaimant(claimant)
	if err != nil {
		return nil, err
	}

	code = NormalizeGiftCode(code)
	g, err := s.gifts.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := checkClaimable(g); err != nil {
		return nil, err
	}

	disclosure, err := s.disclose(ctx, g, true)
	if err != nil {
		return nil, err
	}

	emit(ctx, s.audit, s.logger, models.NewAuditEvent(code, types.AuditPreclaim, types.SourceAPI, claimant, nil))
	return disclosure, nil
}

// Claim marks the gift claimed exactly once and returns its key material.
// A caller that loses a concurrent claim gets AlreadyClaimed and no secrets.
func (s *ClaimService) Claim(ctx context.Context, code string, claimant string) (*models.Disclosure, error) {
	claimant, err := validateClaimant(claimant)
	if err != nil {
		return nil, err
	}

	code = NormalizeGiftCode(code)
	g, err := s.gifts.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := checkClaimable(g); err != nil {
		return nil, err
	}

	// decrypt before flipping the flag so a key failure cannot burn the claim
	disclosure, err := s.disclose(ctx, g, false)
	if err != nil {
		return nil, err
	}

	claimed, err := s.gifts.Claim(ctx, code, claimant, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		current, err := s.gifts.GetByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if err := checkClaimable(current); err != nil {
			return nil, err
		}
		return nil, apperrors.NewAlreadyClaimedError(code)
	}

	s.logger.WithFields(map[string]interface{}{
		"gift_code": code,
		"claimant":  claimant,
		"status":    string(claimed.Status),
	}).Info("Gift claimed")
	emit(ctx, s.audit, s.logger, models.NewAuditEvent(code, types.AuditClaim, types.SourceAPI, claimant,
		map[string]string{"status": string(claimed.Status)}))

	return disclosure, nil
}

func (s *ClaimService) disclose(ctx context.Context, g *models.Gift, preview bool) (*models.Disclosure, error) {
	material, err := s.wallets.Disclose(ctx, g.WalletAddress)
	if err != nil {
		return nil, err
	}
	return &models.Disclosure{
		GiftCode:      g.GiftCode,
		WalletAddress: material.Address,
		Mnemonic:      material.Mnemonic,
		PrivateKey:    "0x" + material.PrivateKeyHex(),
		Amount:        g.Amount,
		Currency:      g.Currency,
		UnlockDate:    g.UnlockDate,
		Preview:       preview,
	}, nil
}

// ClaimedGift is one row of a claimant's history
type ClaimedGift struct {
	GiftCode   string           `json:"giftCode"`
	Amount     string           `json:"amount"`
	Currency   string           `json:"currency"`
	UnlockDate time.Time        `json:"unlockDate"`
	ClaimedAt  *time.Time       `json:"claimedAt,omitempty"`
	Status     types.GiftStatus `json:"status"`
}

// ClaimedPage is a page of claimed gifts
type ClaimedPage struct {
	Gifts      []ClaimedGift `json:"gifts"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	Limit      int           `json:"limit"`
	TotalPages int           `json:"totalPages"`
}

// ClaimedHistory pages through gifts claimed by an email, newest first
func (s *ClaimService) ClaimedHistory(ctx context.Context, email string, page, limit int) (*ClaimedPage, error) {
	email, err := validateClaimant(email)
	if err != nil {
		return nil, err
	}
	page, limit = clampPage(page, limit)

	gifts, total, err := s.gifts.ListClaimedBy(ctx, email, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}

	result := &ClaimedPage{
		Gifts:      make([]ClaimedGift, 0, len(gifts)),
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}
	for _, g := range gifts {
		result.Gifts = append(result.Gifts, ClaimedGift{
			GiftCode:   g.GiftCode,
			Amount:     g.Amount.String(),
			Currency:   g.Currency,
			UnlockDate: g.UnlockDate,
			ClaimedAt:  g.ClaimedAt,
			Status:     g.Status,
		})
	}
	return result, nil
}

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return page, limit
}
