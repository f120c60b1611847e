package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/service"
	"github.com/timelock-gifts/internal/types"
)

// giftView is the public status of a gift. Buyer contact details and
// internal bookkeeping stay out of it.
type giftView struct {
	GiftCode       string              `json:"giftCode"`
	Status         types.GiftStatus    `json:"status"`
	PaymentStatus  types.PaymentStatus `json:"paymentStatus"`
	WalletAddress  string              `json:"walletAddress"`
	Amount         decimal.Decimal     `json:"amount"`
	TotalAmount    decimal.Decimal     `json:"totalAmount"`
	TotalReceived  decimal.Decimal     `json:"totalReceived"`
	Currency       string              `json:"currency"`
	UnlockDate     time.Time           `json:"unlockDate"`
	ExpiryDate     time.Time           `json:"expiryDate"`
	ContractLocked bool                `json:"contractLocked"`
	IsClaimed      bool                `json:"isClaimed"`
	PaymentTxHash  *string             `json:"paymentTxHash,omitempty"`
	LockTxHash     *string             `json:"lockTxHash,omitempty"`
	LastError      *string             `json:"lastError,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

func newGiftView(g *models.Gift) *giftView {
	view := &giftView{
		GiftCode:       g.GiftCode,
		Status:         g.Status,
		PaymentStatus:  g.PaymentStatus,
		WalletAddress:  g.WalletAddress,
		Amount:         g.Amount,
		TotalAmount:    g.TotalAmount,
		TotalReceived:  g.TotalReceived,
		Currency:       g.Currency,
		UnlockDate:     g.UnlockDate,
		ExpiryDate:     g.ExpiryDate,
		ContractLocked: g.ContractLocked,
		IsClaimed:      g.IsClaimed,
		PaymentTxHash:  g.PaymentTxHash,
		LockTxHash:     g.LockTxHash,
		CreatedAt:      g.CreatedAt,
	}
	switch {
	case g.LastLockError != nil:
		view.LastError = g.LastLockError
	case g.LastPaymentError != nil:
		view.LastError = g.LastPaymentError
	}
	return view
}

// handleCreateGift handles POST /gift
func (s *Server) handleCreateGift(w http.ResponseWriter, r *http.Request) {
	var input service.CreateGiftInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, s.logger, err)
		return
	}

	result, err := s.gifts.CreateGift(r.Context(), &input)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

// handleReserveWallet handles GET /gift/wallet
func (s *Server) handleReserveWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.gifts.ReserveWallet(r.Context())
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"walletAddress": wallet.Address,
		"reservedAt":    wallet.ReservedAt,
	})
}

// handleGetGift handles GET /gift/{code}
func (s *Server) handleGetGift(w http.ResponseWriter, r *http.Request) {
	g, err := s.gifts.GetGift(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, newGiftView(g))
}

// handleCancelGift handles POST /gift/{code}/cancel. The caller proves
// ownership with the buyer email the gift was created with; a mismatch is
// reported as not found.
func (s *Server) handleCancelGift(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuyerEmail string `json:"buyerEmail"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if strings.TrimSpace(req.BuyerEmail) == "" {
		respondError(w, s.logger, apperrors.NewValidationError("buyerEmail", "is required"))
		return
	}

	code := mux.Vars(r)["code"]
	g, err := s.gifts.GetGift(r.Context(), code)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	if !strings.EqualFold(strings.TrimSpace(req.BuyerEmail), g.BuyerEmail) {
		respondError(w, s.logger, apperrors.NewNotFoundError("gift", code))
		return
	}

	cancelled, err := s.gifts.CancelGift(r.Context(), g.GiftCode, g.BuyerEmail)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, newGiftView(cancelled))
}
