package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"kioskexchange/exchange"
)

// SessionRecord is the persisted shape of a sell order. Monetary columns are
// stored as text so the exact decimal survives every backend.
type SessionRecord struct {
	Code              string          `gorm:"primaryKey;size:32"`
	KioskID           string          `gorm:"size:64;index"`
	Asset             string          `gorm:"size:16;not null"`
	Network           string          `gorm:"size:16;not null"`
	FiatAmount        decimal.Decimal `gorm:"type:varchar(64);not null"`
	CryptoAmount      decimal.Decimal `gorm:"type:varchar(64);not null"`
	UnitPrice         decimal.Decimal `gorm:"type:varchar(64);not null"`
	FeePercent        decimal.Decimal `gorm:"type:varchar(64);not null"`
	FeeAmount         decimal.Decimal `gorm:"type:varchar(64);not null"`
	RiskScore         int
	Flagged           bool
	Status            string `gorm:"size:32;index"`
	SettlementRequest string `gorm:"type:text"`
	SettlementRef     string `gorm:"size:128"`
	SettlementStatus  string `gorm:"size:16"`
	CreatedAt         time.Time
	ExpiresAt         time.Time `gorm:"index"`
	CompletedAt       *time.Time
	Version           int64 `gorm:"not null;default:1"`
}

// TableName pins the table name.
func (SessionRecord) TableName() string { return "sessions" }

// PurchaseRecord is the persisted shape of a buy order.
type PurchaseRecord struct {
	Code                 string          `gorm:"primaryKey;size:32"`
	KioskID              string          `gorm:"size:64;index"`
	Asset                string          `gorm:"size:16;not null"`
	Network              string          `gorm:"size:16;not null"`
	FiatAmount           decimal.Decimal `gorm:"type:varchar(64);not null"`
	FiatTotal            decimal.Decimal `gorm:"type:varchar(64);not null"`
	CryptoAmount         decimal.Decimal `gorm:"type:varchar(64);not null"`
	UnitPrice            decimal.Decimal `gorm:"type:varchar(64);not null"`
	FeePercent           decimal.Decimal `gorm:"type:varchar(64);not null"`
	FeeAmount            decimal.Decimal `gorm:"type:varchar(64);not null"`
	RiskScore            int
	Flagged              bool
	Status               string `gorm:"size:32;index"`
	ReceiveAddress       string `gorm:"size:256"`
	FiatSettlementMethod string `gorm:"size:64"`
	CorrelationID        string `gorm:"size:64;uniqueIndex"`
	CancelReason         string `gorm:"size:256"`
	CreatedAt            time.Time
	ExpiresAt            time.Time `gorm:"index"`
	CompletedAt          *time.Time
	Version              int64 `gorm:"not null;default:1"`
}

// TableName pins the table name.
func (PurchaseRecord) TableName() string { return "purchases" }

// AuditRecord is one persisted audit event.
type AuditRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	Type       string `gorm:"size:64;index"`
	OrderType  string `gorm:"size:16"`
	OrderCode  string `gorm:"size:32;index"`
	FromStatus string `gorm:"size:32"`
	ToStatus   string `gorm:"size:32"`
	Reason     string `gorm:"size:256"`
	Attributes string `gorm:"type:text"`
	OccurredAt time.Time `gorm:"index"`
}

// TableName pins the table name.
func (AuditRecord) TableName() string { return "audit_events" }

// AutoMigrate creates or updates every table the store needs.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SessionRecord{}, &PurchaseRecord{}, &AuditRecord{})
}

func sessionToRecord(s *exchange.Session) SessionRecord {
	return SessionRecord{
		Code:              s.Code,
		KioskID:           s.KioskID,
		Asset:             string(s.Asset),
		Network:           string(s.Network),
		FiatAmount:        s.FiatAmount,
		CryptoAmount:      s.CryptoAmount,
		UnitPrice:         s.UnitPrice,
		FeePercent:        s.FeePercent,
		FeeAmount:         s.FeeAmount,
		RiskScore:         s.RiskScore,
		Flagged:           s.Flagged,
		Status:            string(s.Status),
		SettlementRequest: s.SettlementRequest,
		SettlementRef:     s.SettlementRef,
		SettlementStatus:  string(s.SettlementStatus),
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		CompletedAt:       s.CompletedAt,
		Version:           s.Version,
	}
}

func (r SessionRecord) toSession() *exchange.Session {
	return &exchange.Session{
		Order: exchange.Order{
			Code:         r.Code,
			KioskID:      r.KioskID,
			Asset:        exchange.Asset(r.Asset),
			Network:      exchange.Network(r.Network),
			FiatAmount:   r.FiatAmount,
			CryptoAmount: r.CryptoAmount,
			UnitPrice:    r.UnitPrice,
			FeePercent:   r.FeePercent,
			FeeAmount:    r.FeeAmount,
			RiskScore:    r.RiskScore,
			Flagged:      r.Flagged,
			CreatedAt:    r.CreatedAt.UTC(),
			ExpiresAt:    r.ExpiresAt.UTC(),
			CompletedAt:  utcPtr(r.CompletedAt),
			Version:      r.Version,
		},
		Status:            exchange.SessionStatus(r.Status),
		SettlementRequest: r.SettlementRequest,
		SettlementRef:     r.SettlementRef,
		SettlementStatus:  exchange.SettlementStatus(r.SettlementStatus),
	}
}

func purchaseToRecord(p *exchange.Purchase) PurchaseRecord {
	return PurchaseRecord{
		Code:                 p.Code,
		KioskID:              p.KioskID,
		Asset:                string(p.Asset),
		Network:              string(p.Network),
		FiatAmount:           p.FiatAmount,
		FiatTotal:            p.FiatTotal,
		CryptoAmount:         p.CryptoAmount,
		UnitPrice:            p.UnitPrice,
		FeePercent:           p.FeePercent,
		FeeAmount:            p.FeeAmount,
		RiskScore:            p.RiskScore,
		Flagged:              p.Flagged,
		Status:               string(p.Status),
		ReceiveAddress:       p.ReceiveAddress,
		FiatSettlementMethod: p.FiatSettlementMethod,
		CorrelationID:        p.CorrelationID,
		CancelReason:         p.CancelReason,
		CreatedAt:            p.CreatedAt,
		ExpiresAt:            p.ExpiresAt,
		CompletedAt:          p.CompletedAt,
		Version:              p.Version,
	}
}

func (r PurchaseRecord) toPurchase() *exchange.Purchase {
	return &exchange.Purchase{
		Order: exchange.Order{
			Code:         r.Code,
			KioskID:      r.KioskID,
			Asset:        exchange.Asset(r.Asset),
			Network:      exchange.Network(r.Network),
			FiatAmount:   r.FiatAmount,
			CryptoAmount: r.CryptoAmount,
			UnitPrice:    r.UnitPrice,
			FeePercent:   r.FeePercent,
			FeeAmount:    r.FeeAmount,
			RiskScore:    r.RiskScore,
			Flagged:      r.Flagged,
			CreatedAt:    r.CreatedAt.UTC(),
			ExpiresAt:    r.ExpiresAt.UTC(),
			CompletedAt:  utcPtr(r.CompletedAt),
			Version:      r.Version,
		},
		Status:               exchange.PurchaseStatus(r.Status),
		ReceiveAddress:       r.ReceiveAddress,
		FiatSettlementMethod: r.FiatSettlementMethod,
		FiatTotal:            r.FiatTotal,
		CorrelationID:        r.CorrelationID,
		CancelReason:         r.CancelReason,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
