package routes

import (
	"time"

	"kioskexchange/exchange"
	"kioskexchange/quote"
)

type quoteView struct {
	Asset        string `json:"asset"`
	Direction    string `json:"direction"`
	FiatAmount   string `json:"fiat_amount"`
	FiatTotal    string `json:"fiat_total"`
	UnitPrice    string `json:"unit_price"`
	FeePercent   string `json:"fee_percent"`
	FeeAmount    string `json:"fee_amount"`
	CryptoAmount string `json:"crypto_amount"`
	PriceSource  string `json:"price_source"`
	Fallback     bool   `json:"fallback"`
}

func newQuoteView(q quote.Quote) quoteView {
	return quoteView{
		Asset:        string(q.Asset),
		Direction:    string(q.Direction),
		FiatAmount:   q.FiatAmount.String(),
		FiatTotal:    q.FiatTotal.String(),
		UnitPrice:    q.UnitPrice.String(),
		FeePercent:   q.FeePercent.String(),
		FeeAmount:    q.FeeAmount.String(),
		CryptoAmount: q.CryptoAmount.String(),
		PriceSource:  q.PriceSource,
		Fallback:     q.Fallback,
	}
}

type orderView struct {
	Code         string     `json:"code"`
	KioskID      string     `json:"kiosk_id,omitempty"`
	Asset        string     `json:"asset"`
	Network      string     `json:"network"`
	Status       string     `json:"status"`
	FiatAmount   string     `json:"fiat_amount"`
	CryptoAmount string     `json:"crypto_amount"`
	UnitPrice    string     `json:"unit_price"`
	FeePercent   string     `json:"fee_percent"`
	FeeAmount    string     `json:"fee_amount"`
	Flagged      bool       `json:"flagged,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func newOrderView(o exchange.Order, status string) orderView {
	return orderView{
		Code:         o.Code,
		KioskID:      o.KioskID,
		Asset:        string(o.Asset),
		Network:      string(o.Network),
		Status:       status,
		FiatAmount:   o.FiatAmount.String(),
		CryptoAmount: o.CryptoAmount.String(),
		UnitPrice:    o.UnitPrice.String(),
		FeePercent:   o.FeePercent.String(),
		FeeAmount:    o.FeeAmount.String(),
		Flagged:      o.Flagged,
		CreatedAt:    o.CreatedAt,
		ExpiresAt:    o.ExpiresAt,
		CompletedAt:  o.CompletedAt,
	}
}

type sessionView struct {
	orderView
	SettlementStatus  string `json:"settlement_status"`
	SettlementRequest string `json:"settlement_request"`
}

func newSessionView(s *exchange.Session) sessionView {
	return sessionView{
		orderView:         newOrderView(s.Order, string(s.Status)),
		SettlementStatus:  string(s.SettlementStatus),
		SettlementRequest: s.SettlementRequest,
	}
}

type purchaseView struct {
	orderView
	FiatTotal            string `json:"fiat_total"`
	ReceiveAddress       string `json:"receive_address,omitempty"`
	FiatSettlementMethod string `json:"fiat_settlement_method,omitempty"`
	CorrelationID        string `json:"correlation_id"`
	CancelReason         string `json:"cancel_reason,omitempty"`
}

func newPurchaseView(p *exchange.Purchase) purchaseView {
	return purchaseView{
		orderView:            newOrderView(p.Order, string(p.Status)),
		FiatTotal:            p.FiatTotal.String(),
		ReceiveAddress:       p.ReceiveAddress,
		FiatSettlementMethod: p.FiatSettlementMethod,
		CorrelationID:        p.CorrelationID,
		CancelReason:         p.CancelReason,
	}
}
