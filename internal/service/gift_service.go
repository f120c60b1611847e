package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
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

const (
	giftCodePrefix   = "GIFT-"
	giftCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	giftCodeLength   = 8

	maxCodeAttempts = 5
	nameMaxLength   = 100
)

var (
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	giftCodePattern = regexp.MustCompile(`^GIFT-[A-Z0-9]{8}$`)
)

// GiftService creates gifts and serves their status
type GiftService struct {
	gifts           GiftStore
	wallets         Wallets
	chain           adapter.ChainAdapter
	audit           AuditSink
	cfg             config.GiftConfig
	contractAddress string
	logger          *logging.Logger

	now func() time.Time
}

// NewGiftService creates a new gift service
func NewGiftService(
	gifts GiftStore,
	wallets Wallets,
	chain adapter.ChainAdapter,
	audit AuditSink,
	cfg config.GiftConfig,
	contractAddress string,
) *GiftService {
	if audit == nil {
		audit = NopAudit{}
	}
	return &GiftService{
		gifts:           gifts,
		wallets:         wallets,
		chain:           chain,
		audit:           audit,
		cfg:             cfg,
		contractAddress: strings.ToLower(contractAddress),
		logger:          logging.Component("gift_service"),
		now:             time.Now,
	}
}

// CreateGiftInput is the buyer's gift request
type CreateGiftInput struct {
	RecipientFirstName string          `json:"recipientFirstName"`
	RecipientLastName  string          `json:"recipientLastName"`
	RecipientWallet    string          `json:"recipientWallet,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	UnlockDate         string          `json:"unlockDate"`
	BuyerEmail         string          `json:"buyerEmail"`
	BuyerWallet        string          `json:"buyerWallet,omitempty"`

	// WalletAddress is a payment address obtained earlier from ReserveWallet.
	// When empty a wallet is reserved for the gift.
	WalletAddress string `json:"walletAddress,omitempty"`
}

// CreateGiftResult tells the buyer where and how much to pay
type CreateGiftResult struct {
	GiftCode       string          `json:"giftCode"`
	PaymentAddress string          `json:"paymentAddress"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	GasFee         decimal.Decimal `json:"gasFee"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Currency       string          `json:"currency"`
	UnlockDate     time.Time       `json:"unlockDate"`
	ExpiryDate     time.Time       `json:"expiryDate"`
}

// CreateGift validates the request, assigns a payment wallet and persists the gift as pending
func (s *GiftService) CreateGift(ctx context.Context, input *CreateGiftInput) (*CreateGiftResult, error) {
	now := s.now().UTC()

	unlockDate, err := s.validateCreate(input, now)
	if err != nil {
		return nil, err
	}

	w, reservedHere, err := s.paymentWallet(ctx, input.WalletAddress)
	if err != nil {
		return nil, err
	}

	fee := input.Amount.Mul(s.cfg.FeeRate).Round(adapter.NativeDecimals)
	gasFee := s.estimateGasFee(ctx)

	g := &models.Gift{
		ID:                 uuid.New(),
		RecipientFirstName: strings.TrimSpace(input.RecipientFirstName),
		RecipientLastName:  strings.TrimSpace(input.RecipientLastName),
		RecipientWallet:    optionalAddress(input.RecipientWallet),
		BuyerEmail:         strings.ToLower(strings.TrimSpace(input.BuyerEmail)),
		BuyerWallet:        optionalAddress(input.BuyerWallet),
		Currency:           strings.ToUpper(input.Currency),
		Amount:             input.Amount,
		Fee:                fee,
		GasFee:             gasFee,
		TotalAmount:        input.Amount.Add(fee).Add(gasFee),
		TotalReceived:      decimal.Zero,
		PlatformProfit:     decimal.Zero,
		WalletAddress:      w.Address,
		ContractAddress:    s.contractAddress,
		UnlockDate:         unlockDate,
		ExpiryDate:         now.Add(s.cfg.ReservationWindow),
		CreatedAt:          now,
		UpdatedAt:          now,
		Status:             types.GiftStatusPending,
		PaymentStatus:      types.PaymentStatusPending,
	}

	if err := s.insertWithFreshCode(ctx, g); err != nil {
		if reservedHere {
			if releaseErr := s.wallets.Release(ctx, w.Address); releaseErr != nil {
				s.logger.WithError(releaseErr).WithField("address", w.Address).Error("Failed to release wallet after create failure")
			}
		}
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"gift_code":    g.GiftCode,
		"wallet":       g.WalletAddress,
		"total_amount": g.TotalAmount.String(),
		"currency":     g.Currency,
	}).Info("Created gift")

	emit(ctx, s.audit, s.logger, models.NewAuditEvent(g.GiftCode, types.AuditGiftCreated, types.SourceAPI, g.BuyerEmail,
		map[string]string{
			"wallet":       g.WalletAddress,
			"total_amount": g.TotalAmount.String(),
			"unlock_date":  g.UnlockDate.Format(time.RFC3339),
		}))

	return &CreateGiftResult{
		GiftCode:       g.GiftCode,
		PaymentAddress: g.WalletAddress,
		Amount:         g.Amount,
		Fee:            g.Fee,
		GasFee:         g.GasFee,
		TotalAmount:    g.TotalAmount,
		Currency:       g.Currency,
		UnlockDate:     g.UnlockDate,
		ExpiryDate:     g.ExpiryDate,
	}, nil
}

func (s *GiftService) validateCreate(input *CreateGiftInput, now time.Time) (time.Time, error) {
	if err := validateName("recipientFirstName", input.RecipientFirstName); err != nil {
		return time.Time{}, err
	}
	if err := validateName("recipientLastName", input.RecipientLastName); err != nil {
		return time.Time{}, err
	}
	if !emailPattern.MatchString(strings.TrimSpace(input.BuyerEmail)) {
		return time.Time{}, apperrors.NewValidationError("buyerEmail", "must be a valid email address")
	}
	if !input.Amount.IsPositive() {
		return time.Time{}, apperrors.NewValidationError("amount", "must be greater than zero")
	}
	if input.Amount.Exponent() < -adapter.NativeDecimals {
		return time.Time{}, apperrors.NewValidationError("amount", fmt.Sprintf("must have at most %d decimal places", adapter.NativeDecimals))
	}
	if !s.supportsCurrency(input.Currency) {
		return time.Time{}, apperrors.NewValidationError("currency", fmt.Sprintf("must be one of %s", strings.Join(s.cfg.Currencies, ", ")))
	}
	for field, value := range map[string]string{
		"recipientWallet": input.RecipientWallet,
		"buyerWallet":     input.BuyerWallet,
		"walletAddress":   input.WalletAddress,
	} {
		if value != "" && !adapter.ValidateAddress(value) {
			return time.Time{}, apperrors.NewValidationError(field, "must be a 0x-prefixed 20-byte hex address")
		}
	}

	if strings.TrimSpace(input.UnlockDate) == "" {
		return time.Time{}, apperrors.NewValidationError("unlockDate", "is required")
	}
	unlockDate, err := time.Parse(time.RFC3339, strings.TrimSpace(input.UnlockDate))
	if err != nil {
		return time.Time{}, apperrors.NewValidationError("unlockDate", "must be an ISO 8601 timestamp")
	}
	if unlockDate.Before(now.Add(s.cfg.MinUnlockLead)) {
		return time.Time{}, apperrors.NewValidationError("unlockDate", "must be at least "+describeLead(s.cfg.MinUnlockLead)+" from now")
	}

	return unlockDate.UTC(), nil
}

func validateName(field, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return apperrors.NewValidationError(field, "is required")
	}
	if len(value) > nameMaxLength {
		return apperrors.NewValidationError(field, fmt.Sprintf("must be at most %d characters", nameMaxLength))
	}
	return nil
}

func (s *GiftService) supportsCurrency(currency string) bool {
	for _, c := range s.cfg.Currencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// describeLead renders durations like "2 hours" for validation messages
func describeLead(d time.Duration) string {
	if d%time.Hour != 0 {
		return d.String()
	}
	if hours := int(d / time.Hour); hours != 1 {
		return fmt.Sprintf("%d hours", hours)
	}
	return "1 hour"
}

func optionalAddress(address string) *string {
	if address == "" {
		return nil
	}
	lower := strings.ToLower(address)
	return &lower
}

// paymentWallet resolves the custodial wallet for a new gift. reservedHere
// reports whether this call made the reservation and so owns undoing it.
func (s *GiftService) paymentWallet(ctx context.Context, requested string) (*models.Wallet, bool, error) {
	if requested == "" {
		w, err := s.wallets.Reserve(ctx)
		if err != nil {
			return nil, false, err
		}
		return w, true, nil
	}

	w, err := s.wallets.Lookup(ctx, requested)
	if err != nil {
		if apperrors.IsCategory(err, apperrors.CategoryNotFound) {
			return nil, false, apperrors.NewValidationError("walletAddress", "is not a payment address issued by this service")
		}
		return nil, false, err
	}
	if !w.Reserved {
		return nil, false, apperrors.NewValidationError("walletAddress", "has not been reserved; request one from GET /gift/wallet")
	}
	return w, false, nil
}

// estimateGasFee prices the lock and fee-forward transactions the buyer pays for
func (s *GiftService) estimateGasFee(ctx context.Context) decimal.Decimal {
	gasPrice, err := s.chain.SuggestGasPrice(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Gas price unavailable, using fallback gas fee")
		return s.cfg.GasFeeFallback
	}
	return adapter.FromWei(new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(s.cfg.GasLimitEstimate)))
}

func (s *GiftService) insertWithFreshCode(ctx context.Context, g *models.Gift) error {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := NewGiftCode()
		if err != nil {
			return apperrors.NewInternalError("generate gift code", err)
		}
		g.GiftCode = code
		g.ChainGiftID = giftlock.GiftIDHex(code)

		err = s.gifts.Create(ctx, g)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrDuplicateGiftCode):
			s.logger.WithField("attempt", attempt).Debug("Gift code collision, regenerating")
			continue
		case errors.Is(err, storage.ErrWalletInUse):
			return apperrors.NewConflictError(apperrors.CodeWalletReserved, "payment address already backs an unpaid gift")
		default:
			return err
		}
	}
	return apperrors.NewInternalError("could not allocate a unique gift code", nil)
}

// NewGiftCode returns a random code of the form GIFT-XXXXXXXX
func NewGiftCode() (string, error) {
	var b strings.Builder
	b.WriteString(giftCodePrefix)
	limit := big.NewInt(int64(len(giftCodeAlphabet)))
	for i := 0; i < giftCodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(giftCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeGiftCode trims and upper-cases a code supplied by a caller
func NormalizeGiftCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidGiftCode reports whether code has the GIFT-XXXXXXXX shape
func ValidGiftCode(code string) bool {
	return giftCodePattern.MatchString(code)
}

// GetGift returns the stored record of a gift
func (s *GiftService) GetGift(ctx context.Context, code string) (*models.Gift, error) {
	return s.gifts.GetByCode(ctx, NormalizeGiftCode(code))
}

// ReserveWallet reserves a payment address ahead of gift creation
func (s *GiftService) ReserveWallet(ctx context.Context) (*models.Wallet, error) {
	w, err := s.wallets.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("address", w.Address).Info("Reserved payment wallet")
	return w, nil
}

// CancelGift cancels an unpaid gift. The wallet goes back to the pool only
// when it holds no funds; otherwise it stays reserved for a manual refund.
func (s *GiftService) CancelGift(ctx context.Context, code string, actor string) (*models.Gift, error) {
	code = NormalizeGiftCode(code)
	g, err := s.gifts.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.gifts.Cancel(ctx, code, false)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		current, err := s.gifts.GetByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if current.Status == types.GiftStatusCancelled {
			return current, nil
		}
		return nil, apperrors.NewInvalidTransitionError(code, current.Status, types.GiftStatusCancelled)
	}

	emit(ctx, s.audit, s.logger, models.NewAuditEvent(code, types.AuditCancelled, types.SourceAPI, actor, nil))

	balance, err := s.chain.BalanceAt(ctx, g.WalletAddress, nil)
	switch {
	case err != nil:
		s.logger.WithError(err).WithField("gift_code", code).Warn("Could not read wallet balance, keeping wallet reserved")
	case !balance.IsZero():
		s.logger.WithFields(map[string]interface{}{
			"gift_code": code,
			"wallet":    g.WalletAddress,
			"balance":   balance.String(),
		}).Warn("Cancelled gift wallet holds funds, keeping it reserved for refund")
	default:
		if err := s.wallets.Release(ctx, g.WalletAddress); err != nil {
			s.logger.WithError(err).WithField("gift_code", code).Error("Failed to release wallet")
		} else {
			emit(ctx, s.audit, s.logger, models.NewAuditEvent(code, types.AuditWalletReleased, types.SourceAPI, actor,
				map[string]string{"wallet": g.WalletAddress}))
		}
	}

	return s.gifts.GetByCode(ctx, code)
}
