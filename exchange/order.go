package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes the two order flows in logs, metrics and audit events.
type OrderType string

const (
	OrderSession  OrderType = "session"
	OrderPurchase OrderType = "purchase"
)

// SessionStatus is the status of a sell order. The literals are persisted.
type SessionStatus string

const (
	SessionAwaitingSettlement SessionStatus = "awaiting_settlement"
	SessionPaid               SessionStatus = "paid"
	SessionExpired            SessionStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionPaid || s == SessionExpired
}

// SettlementStatus is the payment-leg sub-status of a Session.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "aguardando"
	SettlementPaid    SettlementStatus = "pago"
	SettlementExpired SettlementStatus = "expirado"
)

// ParseSettlementStatus accepts both the persisted literals and their session
// equivalents as reported by settlement oracles.
func ParseSettlementStatus(raw string) (SettlementStatus, bool) {
	switch raw {
	case string(SettlementPending), string(SessionAwaitingSettlement), "pending":
		return SettlementPending, true
	case string(SettlementPaid), string(SessionPaid):
		return SettlementPaid, true
	case string(SettlementExpired), string(SessionExpired):
		return SettlementExpired, true
	}
	return "", false
}

// PurchaseStatus is the status of a buy order. The literals are persisted.
type PurchaseStatus string

const (
	PurchaseAwaitingAddress PurchaseStatus = "awaiting_address"
	PurchaseAwaitingCrypto  PurchaseStatus = "awaiting_crypto"
	PurchaseCryptoReceived  PurchaseStatus = "crypto_received"
	PurchaseCompleted       PurchaseStatus = "completed"
	PurchaseCancelled       PurchaseStatus = "cancelled"
	PurchaseExpired         PurchaseStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s PurchaseStatus) Terminal() bool {
	switch s {
	case PurchaseCompleted, PurchaseCancelled, PurchaseExpired:
		return true
	}
	return false
}

var purchaseEdges = map[PurchaseStatus][]PurchaseStatus{
	PurchaseAwaitingAddress: {PurchaseAwaitingCrypto, PurchaseCancelled, PurchaseExpired},
	PurchaseAwaitingCrypto:  {PurchaseCryptoReceived, PurchaseCancelled, PurchaseExpired},
	PurchaseCryptoReceived:  {PurchaseCompleted, PurchaseCancelled, PurchaseExpired},
}

// CanTransition reports whether next is a legal successor of s.
func (s PurchaseStatus) CanTransition(next PurchaseStatus) bool {
	for _, candidate := range purchaseEdges[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Order carries the fields shared by Sessions and Purchases. Monetary fields
// are frozen at creation.
type Order struct {
	Code         string
	KioskID      string
	Asset        Asset
	Network      Network
	FiatAmount   decimal.Decimal
	CryptoAmount decimal.Decimal
	UnitPrice    decimal.Decimal
	FeePercent   decimal.Decimal
	FeeAmount    decimal.Decimal
	RiskScore    int
	Flagged      bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
	CompletedAt  *time.Time
	// Version increases on every persisted mutation and guards conditional updates.
	Version int64
}

// PastTTL reports whether now is beyond the order's expiry.
func (o Order) PastTTL(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Session is a sell order: the customer pays crypto against a settlement
// request and receives fiat.
type Session struct {
	Order
	Status            SessionStatus
	SettlementRequest string
	// SettlementRef is the oracle-side identifier for the settlement request, when one exists.
	SettlementRef    string
	SettlementStatus SettlementStatus
}

// Purchase is a buy order: the customer pays fiat and receives crypto at ReceiveAddress.
type Purchase struct {
	Order
	Status               PurchaseStatus
	ReceiveAddress       string
	FiatSettlementMethod string
	// FiatTotal is FiatAmount plus the buy fee, the amount actually charged.
	FiatTotal     decimal.Decimal
	CorrelationID string
	CancelReason  string
}
