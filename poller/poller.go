// Package poller drives open orders forward in the background: it expires
// orders past their TTL and re-queries the settlement and receive oracles for
// the rest.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"kioskexchange/exchange"
	"kioskexchange/observability"
)

// SessionRefresher re-evaluates a single session.
type SessionRefresher interface {
	RefreshSession(ctx context.Context, code string) (*exchange.Session, error)
}

// PurchaseRefresher re-evaluates a single purchase.
type PurchaseRefresher interface {
	RefreshPurchase(ctx context.Context, code string) (*exchange.Purchase, error)
}

// OpenOrders lists the orders a sweep visits.
type OpenOrders interface {
	OpenSessions(ctx context.Context, limit int) ([]*exchange.Session, error)
	OpenPurchases(ctx context.Context, limit int) ([]*exchange.Purchase, error)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Scanned  int
	Expired  int
	Advanced int
	Failed   int
}

// Poller periodically sweeps open orders.
type Poller struct {
	orders        OpenOrders
	sessions      SessionRefresher
	purchases     PurchaseRefresher
	interval      time.Duration
	oracleTimeout time.Duration
	batchSize     int
	logger        *slog.Logger
	metrics       *observability.PollerMetrics
}

// Option configures a Poller.
type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithOracleTimeout bounds the time spent on each order, oracle call included.
func WithOracleTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.oracleTimeout = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New constructs a poller. Either refresher may be nil to skip that flow.
func New(orders OpenOrders, sessions SessionRefresher, purchases PurchaseRefresher, opts ...Option) *Poller {
	p := &Poller{
		orders:        orders,
		sessions:      sessions,
		purchases:     purchases,
		interval:      30 * time.Second,
		oracleTimeout: 10 * time.Second,
		batchSize:     500,
		logger:        slog.Default(),
		metrics:       observability.Poller(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run sweeps on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p == nil || p.orders == nil {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := p.Sweep(ctx)
			if err != nil {
				p.logger.Warn("settlement sweep incomplete", slog.Any("error", err))
			}
			if result.Expired > 0 || result.Advanced > 0 || result.Failed > 0 {
				p.logger.Info("settlement sweep",
					slog.Int("scanned", result.Scanned),
					slog.Int("expired", result.Expired),
					slog.Int("advanced", result.Advanced),
					slog.Int("failed", result.Failed))
			}
		}
	}
}

// Sweep visits every open order once. A failure on one order is counted and
// logged without stopping the sweep; the returned error only reports that an
// order list could not be loaded.
func (p *Poller) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := otel.Tracer("kioskexchange/poller").Start(ctx, "poller.Sweep")
	defer span.End()
	start := time.Now()

	var result SweepResult
	var errs []error
	if p.sessions != nil {
		if err := p.sweepSessions(ctx, &result); err != nil {
			errs = append(errs, err)
		}
	}
	if p.purchases != nil {
		if err := p.sweepPurchases(ctx, &result); err != nil {
			errs = append(errs, err)
		}
	}
	p.metrics.ObserveSweep(time.Since(start))
	span.SetAttributes(
		attribute.Int("scanned", result.Scanned),
		attribute.Int("expired", result.Expired),
		attribute.Int("advanced", result.Advanced),
		attribute.Int("failed", result.Failed),
	)
	return result, errors.Join(errs...)
}

func (p *Poller) sweepSessions(ctx context.Context, result *SweepResult) error {
	open, err := p.orders.OpenSessions(ctx, p.batchSize)
	if err != nil {
		return err
	}
	for _, sess := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Scanned++
		orderCtx, cancel := context.WithTimeout(ctx, p.oracleTimeout)
		got, err := p.sessions.RefreshSession(orderCtx, sess.Code)
		cancel()
		if err != nil {
			p.fail(result, exchange.OrderSession, sess.Code, err)
			continue
		}
		switch got.Status {
		case exchange.SessionExpired:
			p.count(result, exchange.OrderSession, "expired")
		case exchange.SessionPaid:
			p.count(result, exchange.OrderSession, "paid")
		}
	}
	return nil
}

func (p *Poller) sweepPurchases(ctx context.Context, result *SweepResult) error {
	open, err := p.orders.OpenPurchases(ctx, p.batchSize)
	if err != nil {
		return err
	}
	for _, purchase := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Scanned++
		orderCtx, cancel := context.WithTimeout(ctx, p.oracleTimeout)
		got, err := p.purchases.RefreshPurchase(orderCtx, purchase.Code)
		cancel()
		if err != nil {
			p.fail(result, exchange.OrderPurchase, purchase.Code, err)
			continue
		}
		if got.Status == purchase.Status {
			continue
		}
		switch got.Status {
		case exchange.PurchaseExpired:
			p.count(result, exchange.OrderPurchase, "expired")
		case exchange.PurchaseCryptoReceived:
			p.count(result, exchange.OrderPurchase, "crypto_received")
		}
	}
	return nil
}

func (p *Poller) count(result *SweepResult, kind exchange.OrderType, outcome string) {
	if outcome == "expired" {
		result.Expired++
	} else {
		result.Advanced++
	}
	p.metrics.RecordAdvanced(string(kind), outcome)
}

// fail records a per-order failure. An order moved concurrently by another
// writer is not a failure.
func (p *Poller) fail(result *SweepResult, kind exchange.OrderType, code string, err error) {
	if errors.Is(err, exchange.ErrVersionConflict) || errors.Is(err, exchange.ErrInvalidTransition) {
		p.logger.Debug("order moved during sweep", slog.String("code", code), slog.Any("error", err))
		return
	}
	result.Failed++
	p.metrics.RecordFailure(string(kind))
	p.logger.Warn("order refresh failed",
		slog.String("order_type", string(kind)),
		slog.String("code", code),
		slog.Any("error", err))
}
