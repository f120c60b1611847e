package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/timelock-gifts/internal/types"
)

// Gift is the authoritative off-chain record of a time-locked gift
type Gift struct {
	ID          uuid.UUID `json:"giftId" db:"id"`
	GiftCode    string    `json:"giftCode" db:"gift_code"`
	ChainGiftID string    `json:"chainGiftId" db:"chain_gift_id"` // keccak256(giftCode), hex

	RecipientFirstName string  `json:"recipientFirstName" db:"recipient_first_name"`
	RecipientLastName  string  `json:"recipientLastName" db:"recipient_last_name"`
	RecipientWallet    *string `json:"recipientWallet,omitempty" db:"recipient_wallet"`
	BuyerEmail         string  `json:"buyerEmail" db:"buyer_email"`
	BuyerWallet        *string `json:"buyerWallet,omitempty" db:"buyer_wallet"`
	ClaimedBy          *string `json:"claimedBy,omitempty" db:"claimed_by"`

	Currency       string          `json:"currency" db:"currency"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Fee            decimal.Decimal `json:"fee" db:"fee"`
	GasFee         decimal.Decimal `json:"gasFee" db:"gas_fee"`
	TotalAmount    decimal.Decimal `json:"totalAmount" db:"total_amount"`
	TotalReceived  decimal.Decimal `json:"totalReceived" db:"total_received"`
	PlatformProfit decimal.Decimal `json:"platformProfit" db:"platform_profit"`

	WalletAddress   string `json:"walletAddress" db:"wallet_address"`
	ContractAddress string `json:"contractAddress" db:"contract_address"`

	UnlockDate time.Time  `json:"unlockDate" db:"unlock_date"`
	ExpiryDate time.Time  `json:"expiryDate" db:"expiry_date"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time  `json:"updatedAt" db:"updated_at"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty" db:"claimed_at"`

	Status         types.GiftStatus    `json:"status" db:"status"`
	PaymentStatus  types.PaymentStatus `json:"paymentStatus" db:"payment_status"`
	IsClaimed      bool                `json:"isClaimed" db:"is_claimed"`
	ContractLocked bool                `json:"contractLocked" db:"contract_locked"`

	// Payment and lock evidence
	PaymentTxHash    *string    `json:"paymentTxHash,omitempty" db:"payment_tx_hash"`
	LockTxHash       *string    `json:"lockTxHash,omitempty" db:"lock_tx_hash"`
	FeeTxHash        *string    `json:"feeTxHash,omitempty" db:"fee_tx_hash"`
	DivertedTxHash   *string    `json:"divertedTxHash,omitempty" db:"diverted_tx_hash"`
	LastPaymentError *string    `json:"lastPaymentError,omitempty" db:"last_payment_error"`
	LockAttempts     int        `json:"lockAttempts" db:"lock_attempts"`
	LastLockError    *string    `json:"lastLockError,omitempty" db:"last_lock_error"`
	LockStartedAt    *time.Time `json:"-" db:"lock_started_at"`

	// Auto-transfer bookkeeping
	AutoTransferAttempts    int        `json:"autoTransferAttempts" db:"auto_transfer_attempts"`
	LastAutoTransferAttempt *time.Time `json:"lastAutoTransferAttempt,omitempty" db:"last_auto_transfer_attempt"`
	AutoTransferTxHash      *string    `json:"autoTransferTxHash,omitempty" db:"auto_transfer_tx_hash"`
	LastAutoTransferError   *string    `json:"lastAutoTransferError,omitempty" db:"last_auto_transfer_error"`
}

// LockRecipient returns the address the principal is locked for.
// Gifts without a recipient wallet lock to their custodial address, whose keys are disclosed on claim.
func LockRecipient(g *Gift) string {
	if g.RecipientWallet != nil && *g.RecipientWallet != "" {
		return *g.RecipientWallet
	}
	return g.WalletAddress
}

// IsReservationLapsed reports whether the payment window plus grace has passed
func IsReservationLapsed(g *Gift, now time.Time, grace time.Duration) bool {
	return g.PaymentStatus == types.PaymentStatusPending && now.After(g.ExpiryDate.Add(grace))
}

// IsPastExpiryGrace reports whether an unclaimed gift is old enough to be expired
func IsPastExpiryGrace(g *Gift, now time.Time, grace time.Duration) bool {
	return !g.IsClaimed && !g.UnlockDate.After(now.Add(-grace)) && g.Status != types.GiftStatusExpired
}

// IsEligibleForAutoTransfer mirrors the reaper's auto-transfer query for a single gift
func IsEligibleForAutoTransfer(g *Gift, now time.Time, maxAttempts int) bool {
	if g.IsClaimed || !g.ContractLocked || g.AutoTransferTxHash != nil {
		return false
	}
	if g.UnlockDate.After(now) || g.AutoTransferAttempts >= maxAttempts {
		return false
	}
	switch g.Status {
	case types.GiftStatusCancelled, types.GiftStatusExpired, types.GiftStatusClaimed:
		return false
	}
	return true
}

// IsClaimable reports whether a gift's principal is locked and the claim is
// still open. Only active gifts qualify.
func IsClaimable(g *Gift) bool {
	return g.Status == types.GiftStatusActive && g.ContractLocked
}

// IsClosed reports whether a gift reached a status it cannot leave without a claim
func IsClosed(g *Gift) bool {
	switch g.Status {
	case types.GiftStatusCancelled, types.GiftStatusExpired, types.GiftStatusFailed:
		return true
	}
	return false
}

// GiftSummary is the read-only view returned by verify
type GiftSummary struct {
	GiftCode           string              `json:"giftCode"`
	Exists             bool                `json:"exists"`
	IsClaimed          bool                `json:"isClaimed"`
	PaymentCleared     bool                `json:"paymentCleared"`
	Ready              bool                `json:"ready"`
	Status             types.GiftStatus    `json:"status"`
	PaymentStatus      types.PaymentStatus `json:"paymentStatus"`
	Amount             decimal.Decimal     `json:"amount"`
	Currency           string              `json:"currency"`
	UnlockDate         time.Time           `json:"unlockDate"`
	RecipientFirstName string              `json:"recipientFirstName"`
	RecipientLastName  string              `json:"recipientLastName"`
}

// Summarize builds the verify view of a gift
func Summarize(g *Gift) *GiftSummary {
	cleared := g.PaymentStatus.Cleared()
	return &GiftSummary{
		GiftCode:           g.GiftCode,
		Exists:             true,
		IsClaimed:          g.IsClaimed,
		PaymentCleared:     cleared,
		Ready:              cleared && !g.IsClaimed && IsClaimable(g),
		Status:             g.Status,
		PaymentStatus:      g.PaymentStatus,
		Amount:             g.Amount,
		Currency:           g.Currency,
		UnlockDate:         g.UnlockDate,
		RecipientFirstName: g.RecipientFirstName,
		RecipientLastName:  g.RecipientLastName,
	}
}

// Disclosure is the recipient key material returned by claim and preclaim
type Disclosure struct {
	GiftCode      string          `json:"giftCode"`
	WalletAddress string          `json:"walletAddress"`
	Mnemonic      string          `json:"mnemonic"`
	PrivateKey    string          `json:"privateKey"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	UnlockDate    time.Time       `json:"unlockDate"`
	Preview       bool            `json:"preview"`
}
