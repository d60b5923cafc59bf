// Package lifecycle implements the Session (sell) and Purchase (buy) state
// machines on top of the order store, the quote engine and admission control.
//
// Every mutation of an order runs under a per-code lock and is written with
// a version-conditional update, so a foreground call and the poller can never
// both apply conflicting transitions. Expiration is checked before any other
// transition and always wins.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"kioskexchange/admission"
	"kioskexchange/audit"
	"kioskexchange/exchange"
	"kioskexchange/messaging"
	"kioskexchange/observability"
	"kioskexchange/quote"
)

// Quoter prices a fiat amount.
type Quoter interface {
	Quote(ctx context.Context, asset exchange.Asset, fiatAmount decimal.Decimal, dir exchange.Direction) (quote.Quote, error)
}

// Admitter approves or denies an inbound request.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Assessment, error)
}

// Deps are the collaborators shared by both state machines.
type Deps struct {
	Store     exchange.Store
	Catalog   *exchange.Catalog
	Quotes    Quoter
	Admission Admitter
	Notifier  audit.Notifier
	Publisher messaging.Publisher
	Clock     exchange.Clock
	Logger    *slog.Logger

	// CodeAttempts bounds code regeneration when a random code collides.
	CodeAttempts int
}

func (d *Deps) defaults() {
	if d.Notifier == nil {
		d.Notifier = audit.Nop{}
	}
	if d.Clock == nil {
		d.Clock = exchange.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.CodeAttempts <= 0 {
		d.CodeAttempts = defaultCodeAttempts
	}
}

const (
	DefaultSessionTTL  = 5 * time.Minute
	DefaultPurchaseTTL = 30 * time.Minute

	defaultCodeAttempts = 5
)

var tracer trace.Tracer = otel.Tracer("kioskexchange/lifecycle")

// engine holds what both services share.
type engine struct {
	Deps
	locks   *keyLock
	metrics *observability.OrderMetrics
	kind    exchange.OrderType
}

func newEngine(deps Deps, kind exchange.OrderType) engine {
	deps.defaults()
	return engine{Deps: deps, locks: newKeyLock(), metrics: observability.Orders(), kind: kind}
}

func (e *engine) admit(ctx context.Context, req admission.Request) (admission.Assessment, error) {
	if e.Admission == nil {
		return admission.Assessment{Level: admission.RiskLow}, nil
	}
	return e.Admission.Admit(ctx, req)
}

func (e *engine) created(code string, asset exchange.Asset, status string, attrs map[string]string, assessment admission.Assessment) {
	if len(assessment.Compliance) > 0 {
		attrs["compliance"] = strings.Join(assessment.Compliance, ",")
		e.Logger.Info("order requires compliance review",
			slog.String("code", code),
			slog.Any("compliance", assessment.Compliance))
	}
	e.metrics.RecordCreated(string(e.kind), string(asset))
	e.Notifier.Notify(audit.Event{
		Type:       audit.TypeOrderCreated,
		OrderType:  string(e.kind),
		OrderCode:  code,
		To:         status,
		Timestamp:  e.Clock.Now(),
		Attributes: attrs,
	})
}

func (e *engine) transitioned(code, from, to, reason string) {
	e.metrics.RecordTransition(string(e.kind), from, to)
	e.Notifier.Notify(audit.Event{
		Type:      audit.TypeTransition,
		OrderType: string(e.kind),
		OrderCode: code,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: e.Clock.Now(),
	})
	e.Logger.Info("order transition",
		slog.String("order_type", string(e.kind)),
		slog.String("code", code),
		slog.String("from", from),
		slog.String("to", to))
}

// reject records a refused transition and returns the error carrying the
// order's actual status.
func (e *engine) reject(code, current, attempted, reason string) error {
	e.metrics.RecordRejected(string(e.kind), current, attempted)
	e.Notifier.Notify(audit.Event{
		Type:      audit.TypeTransitionRejected,
		OrderType: string(e.kind),
		OrderCode: code,
		From:      current,
		To:        attempted,
		Reason:    reason,
		Timestamp: e.Clock.Now(),
	})
	return &exchange.TransitionError{Code: code, Current: current, Attempted: attempted, Reason: reason}
}

func (e *engine) publish(ctx context.Context, msg messaging.Message) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(ctx, msg); err != nil {
		e.Logger.Warn("publish failed",
			slog.String("type", msg.Type),
			slog.String("code", msg.OrderCode),
			slog.Any("error", err))
	}
}

// persistFailure wraps store errors from a transition. Version conflicts mean
// another process moved the order first.
func persistFailure(code string, err error) error {
	if errors.Is(err, exchange.ErrVersionConflict) || errors.Is(err, exchange.ErrNotFound) {
		return err
	}
	return fmt.Errorf("persist order %s: %w", code, err)
}

func orderBase(q quote.Quote, spec exchange.AssetSpec, kioskID string, assessment admission.Assessment, now time.Time, ttl time.Duration) exchange.Order {
	return exchange.Order{
		KioskID:      kioskID,
		Asset:        spec.Asset,
		Network:      spec.Network,
		FiatAmount:   q.FiatAmount,
		CryptoAmount: q.CryptoAmount,
		UnitPrice:    q.UnitPrice,
		FeePercent:   q.FeePercent,
		FeeAmount:    q.FeeAmount,
		RiskScore:    assessment.Score,
		Flagged:      assessment.Level == admission.RiskMedium,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
}

func timePtr(t time.Time) *time.Time { return &t }
