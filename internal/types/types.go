// Package types provides common type definitions for the gift service.
package types

// GiftStatus represents the lifecycle state of a gift
type GiftStatus string

const (
	// GiftStatusCreated is a freshly created gift
	GiftStatusCreated GiftStatus = "created"
	// GiftStatusPending has a wallet assigned and awaits the buyer's transfer
	GiftStatusPending GiftStatus = "pending"
	// GiftStatusActive has its principal locked in the time-lock contract
	GiftStatusActive GiftStatus = "active"
	// GiftStatusClaimed has been claimed by its recipient
	GiftStatusClaimed GiftStatus = "claimed"
	// GiftStatusCancelled was cancelled before payment
	GiftStatusCancelled GiftStatus = "cancelled"
	// GiftStatusExpired went unclaimed past the grace window
	GiftStatusExpired GiftStatus = "expired"
	// GiftStatusFailed needs manual reconciliation
	GiftStatusFailed GiftStatus = "failed"
)

// PaymentStatus represents the buyer payment state of a gift
type PaymentStatus string

const (
	// PaymentStatusPending means no payment has been observed
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid means a payment transaction was seen but is not final yet
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusReceived means funds are final at the custodial address
	PaymentStatusReceived PaymentStatus = "received"
	// PaymentStatusExpired means the reservation lapsed without payment
	PaymentStatusExpired PaymentStatus = "expired"
	// PaymentStatusFailed means the payment could not be reconciled
	PaymentStatusFailed PaymentStatus = "failed"
)

var giftTransitions = map[GiftStatus][]GiftStatus{
	GiftStatusCreated: {GiftStatusPending, GiftStatusCancelled, GiftStatusExpired, GiftStatusFailed},
	GiftStatusPending: {GiftStatusActive, GiftStatusCancelled, GiftStatusExpired, GiftStatusFailed},
	GiftStatusActive:  {GiftStatusClaimed, GiftStatusExpired, GiftStatusFailed},
}

// CanTransition reports whether a gift may move from one status to another
func CanTransition(from, to GiftStatus) bool {
	for _, next := range giftTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status from which to is reachable
func SourcesFor(to GiftStatus) []GiftStatus {
	var sources []GiftStatus
	for _, from := range []GiftStatus{GiftStatusCreated, GiftStatusPending, GiftStatusActive} {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// IsTerminal reports whether a status has no outgoing transitions
func (s GiftStatus) IsTerminal() bool {
	return len(giftTransitions[s]) == 0
}

// IsValid reports whether s is a known gift status
func (s GiftStatus) IsValid() bool {
	switch s {
	case GiftStatusCreated, GiftStatusPending, GiftStatusActive, GiftStatusClaimed,
		GiftStatusCancelled, GiftStatusExpired, GiftStatusFailed:
		return true
	}
	return false
}

// Rank orders payment statuses along the forward-only axis.
// Terminal outcomes rank above every progress state.
func (p PaymentStatus) Rank() int {
	switch p {
	case PaymentStatusPending:
		return 0
	case PaymentStatusPaid:
		return 1
	case PaymentStatusReceived:
		return 2
	case PaymentStatusExpired, PaymentStatusFailed:
		return 3
	default:
		return -1
	}
}

// Cleared reports whether the buyer's funds are final
func (p PaymentStatus) Cleared() bool {
	return p == PaymentStatusReceived
}

// PaymentStatusesBelow returns the statuses that may advance to p
func PaymentStatusesBelow(p PaymentStatus) []PaymentStatus {
	var out []PaymentStatus
	for _, s := range []PaymentStatus{PaymentStatusPending, PaymentStatusPaid, PaymentStatusReceived} {
		if s.Rank() < p.Rank() {
			out = append(out, s)
		}
	}
	return out
}

// AuditEventType names an entry in the gift audit trail
type AuditEventType string

const (
	AuditGiftCreated         AuditEventType = "created"
	AuditPaymentObserved     AuditEventType = "payment_observed"
	AuditPaymentReceived     AuditEventType = "payment_received"
	AuditPaymentDiverted     AuditEventType = "payment_diverted"
	AuditLockFailed          AuditEventType = "lock_failed"
	AuditLocked              AuditEventType = "locked"
	AuditFeeForwarded        AuditEventType = "fee_forwarded"
	AuditPreclaim            AuditEventType = "preclaim"
	AuditClaim               AuditEventType = "claim"
	AuditCancelled           AuditEventType = "cancelled"
	AuditExpired             AuditEventType = "expired"
	AuditAutoTransfer        AuditEventType = "auto_transfer"
	AuditAutoTransferFailed  AuditEventType = "auto_transfer_failed"
	AuditWalletReleased      AuditEventType = "wallet_released"
	AuditAutoTransferResumed AuditEventType = "auto_transfer_reset"
)

// AuditSource identifies which path produced an audit event
type AuditSource string

const (
	SourceAPI      AuditSource = "api"
	SourceEvent    AuditSource = "event"
	SourcePoll     AuditSource = "poll"
	SourceReaper   AuditSource = "reaper"
	SourceOperator AuditSource = "operator"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
