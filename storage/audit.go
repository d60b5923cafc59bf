package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"kioskexchange/audit"
)

// AuditSink persists audit events in the audit_events table.
type AuditSink struct {
	db *gorm.DB
}

var _ audit.Sink = (*AuditSink)(nil)

func NewAuditSink(db *gorm.DB) *AuditSink {
	return &AuditSink{db: db}
}

func (*AuditSink) Name() string { return "database" }

// Deliver inserts ev. Redelivery of the same event id is a no-op.
func (s *AuditSink) Deliver(ctx context.Context, ev audit.Event) error {
	attrs := ""
	if len(ev.Attributes) > 0 {
		raw, err := json.Marshal(ev.Attributes)
		if err != nil {
			return fmt.Errorf("encode audit attributes: %w", err)
		}
		attrs = string(raw)
	}
	rec := AuditRecord{
		ID:         ev.ID,
		Type:       ev.Type,
		OrderType:  ev.OrderType,
		OrderCode:  ev.OrderCode,
		FromStatus: ev.From,
		ToStatus:   ev.To,
		Reason:     ev.Reason,
		Attributes: attrs,
		OccurredAt: ev.Timestamp.UTC(),
	}
	res := s.db.WithContext(ctx).Where(AuditRecord{ID: ev.ID}).FirstOrCreate(&rec)
	if res.Error != nil {
		return fmt.Errorf("persist audit event %s: %w", ev.ID, res.Error)
	}
	return nil
}

// History returns the persisted events for an order, oldest first.
func (s *AuditSink) History(ctx context.Context, code string) ([]audit.Event, error) {
	var recs []AuditRecord
	if err := s.db.WithContext(ctx).
		Where("order_code = ?", code).
		Order("occurred_at ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load audit history: %w", err)
	}
	out := make([]audit.Event, 0, len(recs))
	for _, rec := range recs {
		ev := audit.Event{
			ID:        rec.ID,
			Type:      rec.Type,
			OrderType: rec.OrderType,
			OrderCode: rec.OrderCode,
			From:      rec.FromStatus,
			To:        rec.ToStatus,
			Reason:    rec.Reason,
			Timestamp: rec.OccurredAt.UTC(),
		}
		if rec.Attributes != "" {
			if err := json.Unmarshal([]byte(rec.Attributes), &ev.Attributes); err != nil {
				return nil, fmt.Errorf("decode audit attributes: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}
