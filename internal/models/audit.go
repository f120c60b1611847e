package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/timelock-gifts/internal/types"
)

// AuditEvent is one append-only entry in a gift's audit trail
type AuditEvent struct {
	ID         uuid.UUID            `json:"id"`
	GiftCode   string               `json:"giftCode"`
	EventType  types.AuditEventType `json:"eventType"`
	Source     types.AuditSource    `json:"source"`
	Actor      string               `json:"actor,omitempty"`
	Details    map[string]string    `json:"details,omitempty"`
	OccurredAt time.Time            `json:"occurredAt"`
}

// NewAuditEvent stamps an event with a fresh id and the current time
func NewAuditEvent(giftCode string, eventType types.AuditEventType, source types.AuditSource, actor string, details map[string]string) *AuditEvent {
	return &AuditEvent{
		ID:         uuid.New(),
		GiftCode:   giftCode,
		EventType:  eventType,
		Source:     source,
		Actor:      actor,
		Details:    details,
		OccurredAt: time.Now().UTC(),
	}
}
