package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"kioskexchange/admission"
	"kioskexchange/exchange"
	"kioskexchange/messaging"
	"kioskexchange/oracle"
)

// CreatePurchaseRequest is a buy order request from a kiosk. ReceiveAddress
// is optional; without it the address is requested over messaging.
type CreatePurchaseRequest struct {
	Identity       string
	KioskID        string
	Asset          exchange.Asset
	FiatAmount     decimal.Decimal
	ReceiveAddress string
	FiatMethod     string
}

// PurchaseService runs the buy state machine.
type PurchaseService struct {
	engine
	oracle oracle.ReceiveOracle
	ttl    time.Duration
}

type PurchaseOption func(*PurchaseService)

// WithPurchaseTTL overrides the thirty minute default.
func WithPurchaseTTL(ttl time.Duration) PurchaseOption {
	return func(p *PurchaseService) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithReceiveOracle sets the oracle polled by RefreshPurchase.
func WithReceiveOracle(o oracle.ReceiveOracle) PurchaseOption {
	return func(p *PurchaseService) { p.oracle = o }
}

func NewPurchaseService(deps Deps, opts ...PurchaseOption) *PurchaseService {
	p := &PurchaseService{
		engine: newEngine(deps, exchange.OrderPurchase),
		ttl:    DefaultPurchaseTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreatePurchase admits, quotes and persists a new buy order. With a valid
// receive address the order starts in awaiting_crypto, otherwise in
// awaiting_address with an address request published.
func (p *PurchaseService) CreatePurchase(ctx context.Context, req CreatePurchaseRequest) (*exchange.Purchase, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.CreatePurchase")
	defer span.End()

	spec, err := p.Catalog.Lookup(req.Asset)
	if err != nil {
		return nil, err
	}
	address := strings.TrimSpace(req.ReceiveAddress)
	if address != "" {
		if err := exchange.ValidateAddress(spec.Network, address); err != nil {
			return nil, err
		}
	}
	assessment, err := p.admit(ctx, admission.Request{
		Identity:   req.Identity,
		Endpoint:   admission.ScopeOrder,
		KioskID:    req.KioskID,
		Asset:      req.Asset,
		FiatAmount: req.FiatAmount,
	})
	if err != nil {
		return nil, err
	}
	q, err := p.Quotes.Quote(ctx, req.Asset, req.FiatAmount, exchange.DirectionBuy)
	if err != nil {
		return nil, err
	}

	now := p.Clock.Now()
	status := exchange.PurchaseAwaitingCrypto
	if address == "" {
		status = exchange.PurchaseAwaitingAddress
	}
	for attempt := 0; attempt < p.CodeAttempts; attempt++ {
		code, err := newPurchaseCode()
		if err != nil {
			return nil, err
		}
		purchase := &exchange.Purchase{
			Order:                orderBase(q, spec, req.KioskID, assessment, now, p.ttl),
			Status:               status,
			ReceiveAddress:       address,
			FiatSettlementMethod: strings.TrimSpace(req.FiatMethod),
			FiatTotal:            q.FiatTotal,
			CorrelationID:        uuid.NewString(),
		}
		purchase.Code = code
		if err := p.Store.CreatePurchase(ctx, purchase); err != nil {
			if errors.Is(err, exchange.ErrDuplicateCode) {
				continue
			}
			return nil, fmt.Errorf("persist purchase: %w", err)
		}
		span.SetAttributes(attribute.String("code", code), attribute.String("status", string(status)))
		p.created(code, purchase.Asset, string(purchase.Status), map[string]string{
			"fiat_amount":    purchase.FiatAmount.String(),
			"fiat_total":     purchase.FiatTotal.String(),
			"crypto_amount":  purchase.CryptoAmount.String(),
			"price_source":   q.PriceSource,
			"correlation_id": purchase.CorrelationID,
			"flagged":        fmt.Sprint(purchase.Flagged),
		}, assessment)
		if status == exchange.PurchaseAwaitingAddress {
			p.publish(ctx, messaging.Message{
				Type:          messaging.TypeAddressRequested,
				CorrelationID: purchase.CorrelationID,
				OrderCode:     code,
				Payload: map[string]string{
					"asset":         string(purchase.Asset),
					"network":       string(purchase.Network),
					"crypto_amount": purchase.CryptoAmount.String(),
				},
			})
		}
		return purchase, nil
	}
	return nil, fmt.Errorf("allocate purchase code: %w", exchange.ErrDuplicateCode)
}

// GetPurchaseStatus returns the purchase, expiring it first when it is still
// waiting on the customer past its TTL.
func (p *PurchaseService) GetPurchaseStatus(ctx context.Context, code string) (*exchange.Purchase, error) {
	release := p.locks.Lock(code)
	defer release()
	purchase, err := p.Store.GetPurchase(ctx, code)
	if err != nil {
		return nil, err
	}
	if _, err := p.expireIfDue(ctx, purchase); err != nil {
		return nil, err
	}
	return purchase, nil
}

// ReceiveAddress attaches the address reported for correlationID and moves
// the purchase to awaiting_crypto. Redelivery of the same address is a no-op.
func (p *PurchaseService) ReceiveAddress(ctx context.Context, correlationID, address string) error {
	ctx, span := tracer.Start(ctx, "lifecycle.ReceiveAddress")
	defer span.End()

	address = strings.TrimSpace(address)
	found, err := p.Store.GetPurchaseByCorrelation(ctx, correlationID)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("code", found.Code))

	release := p.locks.Lock(found.Code)
	defer release()
	purchase, err := p.Store.GetPurchase(ctx, found.Code)
	if err != nil {
		return err
	}
	if purchase.Status != exchange.PurchaseAwaitingAddress {
		if purchase.ReceiveAddress == address && address != "" {
			return nil
		}
		return p.reject(purchase.Code, string(purchase.Status), string(exchange.PurchaseAwaitingCrypto), "receive address already settled")
	}
	if expired, err := p.expireIfDue(ctx, purchase); err != nil || expired {
		if err != nil {
			return err
		}
		return p.reject(purchase.Code, string(purchase.Status), string(exchange.PurchaseAwaitingCrypto), "purchase expired before address arrived")
	}
	if err := exchange.ValidateAddress(purchase.Network, address); err != nil {
		return err
	}
	return p.transition(ctx, purchase, exchange.PurchaseAwaitingCrypto, "receive address received", func(next *exchange.Purchase) {
		next.ReceiveAddress = address
	})
}

// ConfirmCryptoReceived records that the inbound crypto arrived.
func (p *PurchaseService) ConfirmCryptoReceived(ctx context.Context, code string) (*exchange.Purchase, error) {
	return p.advance(ctx, code, exchange.PurchaseCryptoReceived, "crypto receipt confirmed", nil)
}

// ConfirmFiatSettlement completes a purchase whose crypto has arrived.
func (p *PurchaseService) ConfirmFiatSettlement(ctx context.Context, code string) (*exchange.Purchase, error) {
	purchase, err := p.advance(ctx, code, exchange.PurchaseCompleted, "fiat settlement confirmed", nil)
	if err != nil {
		return purchase, err
	}
	p.publish(ctx, messaging.Message{
		Type:          messaging.TypePurchaseCompleted,
		CorrelationID: purchase.CorrelationID,
		OrderCode:     purchase.Code,
		Payload: map[string]string{
			"asset":           string(purchase.Asset),
			"crypto_amount":   purchase.CryptoAmount.String(),
			"fiat_total":      purchase.FiatTotal.String(),
			"receive_address": purchase.ReceiveAddress,
		},
	})
	return purchase, nil
}

// CancelPurchase cancels a non-terminal purchase. Cancelling a completed,
// cancelled or expired purchase fails with the actual status.
func (p *PurchaseService) CancelPurchase(ctx context.Context, code, reason string) (*exchange.Purchase, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by request"
	}
	return p.advance(ctx, code, exchange.PurchaseCancelled, reason, func(next *exchange.Purchase) {
		next.CancelReason = reason
	})
}

// RefreshPurchase expires the purchase when due, otherwise asks the receive
// oracle whether crypto arrived at the stored address.
func (p *PurchaseService) RefreshPurchase(ctx context.Context, code string) (*exchange.Purchase, error) {
	release := p.locks.Lock(code)
	defer release()
	purchase, err := p.Store.GetPurchase(ctx, code)
	if err != nil {
		return nil, err
	}
	if purchase.Status.Terminal() {
		return purchase, nil
	}
	expired, err := p.expireIfDue(ctx, purchase)
	if err != nil || expired {
		return purchase, err
	}
	if purchase.Status != exchange.PurchaseAwaitingCrypto || p.oracle == nil {
		return purchase, nil
	}
	received, err := p.oracle.Received(ctx, purchase)
	if err != nil {
		return purchase, fmt.Errorf("query receive oracle for %s: %w", code, err)
	}
	if !received {
		return purchase, nil
	}
	if expired, err := p.expireIfDue(ctx, purchase); err != nil || expired {
		return purchase, err
	}
	return purchase, p.transition(ctx, purchase, exchange.PurchaseCryptoReceived, "receive oracle", nil)
}

// advance applies an explicit transition request under the order lock.
func (p *PurchaseService) advance(ctx context.Context, code string, to exchange.PurchaseStatus, reason string, mutate func(*exchange.Purchase)) (*exchange.Purchase, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.advance")
	defer span.End()
	span.SetAttributes(attribute.String("code", code), attribute.String("to", string(to)))

	release := p.locks.Lock(code)
	defer release()
	purchase, err := p.Store.GetPurchase(ctx, code)
	if err != nil {
		return nil, err
	}
	if to != exchange.PurchaseCancelled {
		if _, err := p.expireIfDue(ctx, purchase); err != nil {
			return nil, err
		}
	}
	if !purchase.Status.CanTransition(to) {
		return purchase, p.reject(purchase.Code, string(purchase.Status), string(to), rejection(purchase.Status, to))
	}
	if err := p.transition(ctx, purchase, to, reason, mutate); err != nil {
		return purchase, err
	}
	return purchase, nil
}

func rejection(current, attempted exchange.PurchaseStatus) string {
	switch {
	case current.Terminal():
		return "purchase is " + string(current)
	case attempted == exchange.PurchaseCompleted:
		return "fiat settlement requires crypto_received"
	case attempted == exchange.PurchaseCryptoReceived && current == exchange.PurchaseAwaitingAddress:
		return "no receive address yet"
	}
	return "not allowed from " + string(current)
}

// expireIfDue expires purchases still waiting on the customer. Once crypto
// has been received the order is settled by explicit calls only.
func (p *PurchaseService) expireIfDue(ctx context.Context, purchase *exchange.Purchase) (bool, error) {
	switch purchase.Status {
	case exchange.PurchaseAwaitingAddress, exchange.PurchaseAwaitingCrypto:
	default:
		return false, nil
	}
	if !purchase.PastTTL(p.Clock.Now()) {
		return false, nil
	}
	if err := p.transition(ctx, purchase, exchange.PurchaseExpired, "ttl elapsed", nil); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PurchaseService) transition(ctx context.Context, purchase *exchange.Purchase, to exchange.PurchaseStatus, reason string, mutate func(*exchange.Purchase)) error {
	from := purchase.Status
	next := *purchase
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	if to == exchange.PurchaseCompleted {
		next.CompletedAt = timePtr(p.Clock.Now())
	}
	if err := p.Store.UpdatePurchase(ctx, &next, purchase.Version); err != nil {
		return persistFailure(purchase.Code, err)
	}
	*purchase = next
	p.transitioned(purchase.Code, string(from), string(to), reason)
	if to == exchange.PurchaseCancelled {
		p.Logger.Info("purchase cancelled", slog.String("code", purchase.Code), slog.String("reason", reason))
	}
	return nil
}
