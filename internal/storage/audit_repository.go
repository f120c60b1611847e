package storage

import (
	"context"
	"fmt"

	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/types"
)

// AuditRepository appends gift lifecycle events to ClickHouse
type AuditRepository struct {
	db *ClickHouseDB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *ClickHouseDB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends a single event
func (r *AuditRepository) Record(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO gift_audit_events (id, gift_code, event_type, source, actor, details, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	details := event.Details
	if details == nil {
		details = map[string]string{}
	}

	err := r.db.Conn().Exec(ctx, query,
		event.ID,
		event.GiftCode,
		string(event.EventType),
		string(event.Source),
		event.Actor,
		details,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListByGift returns the audit trail of a gift in chronological order
func (r *AuditRepository) ListByGift(ctx context.Context, giftCode string) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, gift_code, event_type, source, actor, details, occurred_at
		FROM gift_audit_events
		WHERE gift_code = ?
		ORDER BY occurred_at
	`

	rows, err := r.db.Conn().Query(ctx, query, giftCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var eventType, source string
		if err := rows.Scan(&e.ID, &e.GiftCode, &eventType, &source, &e.Actor, &e.Details, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.EventType = types.AuditEventType(eventType)
		e.Source = types.AuditSource(source)
		events = append(events, &e)
	}
	return events, rows.Err()
}
