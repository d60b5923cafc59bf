package admission

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"kioskexchange/audit"
	"kioskexchange/exchange"
	"kioskexchange/observability"
)

// Request describes one inbound call to be admitted.
type Request struct {
	// Identity is the caller key, usually the client IP or the kiosk id.
	Identity string
	// Endpoint selects an additional limiter scope such as "order" or "api".
	Endpoint string
	KioskID  string
	Code     string
	// Asset and FiatAmount are set on order creation so the scorer can check
	// the increment.
	Asset      exchange.Asset
	FiatAmount decimal.Decimal
}

// creation reports whether req is an order creation rather than a lookup.
func (r Request) creation() bool {
	return r.Code == "" && r.FiatAmount.IsPositive()
}

// Gate runs every admission check in order: global limit, per-identity limit,
// endpoint limit, daily caps on order creation, then fraud scoring.
type Gate struct {
	limiter    *Limiter
	scorer     *Scorer
	catalog    *exchange.Catalog
	notifier   audit.Notifier
	logger     *slog.Logger
	metrics    *observability.AdmissionMetrics
	clock      exchange.Clock
	usage      exchange.UsageReader
	caps       DailyCaps
	compliance ComplianceThresholds
}

// NewGate wires the limiter and scorer. Either may be nil to disable it.
func NewGate(limiter *Limiter, scorer *Scorer, catalog *exchange.Catalog, notifier audit.Notifier, logger *slog.Logger, opts ...GateOption) *Gate {
	if notifier == nil {
		notifier = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		limiter:    limiter,
		scorer:     scorer,
		catalog:    catalog,
		notifier:   notifier,
		logger:     logger,
		metrics:    observability.Admission(),
		clock:      exchange.SystemClock{},
		compliance: DefaultComplianceThresholds(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit returns the fraud assessment for an admitted request. Denials come
// back as *exchange.RateLimitedError or *exchange.FraudBlockedError.
func (g *Gate) Admit(ctx context.Context, req Request) (Assessment, error) {
	if g.limiter != nil {
		scopes := []string{ScopeGlobal, ScopeIdentity}
		if ep := strings.ToLower(strings.TrimSpace(req.Endpoint)); ep != "" && ep != ScopeGlobal && ep != ScopeIdentity {
			scopes = append(scopes, ep)
		}
		for _, scope := range scopes {
			if err := g.limiter.Allow(ctx, scope, req.Identity); err != nil {
				g.denied("rate_limit", req, err)
				return Assessment{}, err
			}
		}
	}
	var compliance []string
	if req.creation() {
		if err := g.checkDaily(ctx, req.FiatAmount); err != nil {
			g.denied("daily_limit", req, err)
			return Assessment{}, err
		}
		compliance = g.compliance.Flags(req.FiatAmount)
	}

	if g.scorer == nil {
		return Assessment{Level: RiskLow, Compliance: compliance}, nil
	}
	assessment := g.scorer.Assess(Signal{
		Identity:     req.Identity,
		KioskID:      req.KioskID,
		Code:         req.Code,
		OffIncrement: g.offIncrement(req),
		Transaction:  req.creation(),
	})
	assessment.Compliance = compliance
	attrs := map[string]string{
		"identity": req.Identity,
		"score":    strconv.Itoa(assessment.Score),
	}
	if req.KioskID != "" {
		attrs["kiosk_id"] = req.KioskID
	}
	switch assessment.Level {
	case RiskHigh:
		g.metrics.RecordDenied("fraud", strings.Join(assessment.Reasons, "+"))
		g.notifier.Notify(audit.Event{
			Type:       audit.TypeFraudBlocked,
			OrderCode:  req.Code,
			Reason:     strings.Join(assessment.Reasons, ","),
			Attributes: attrs,
		})
		g.logger.Warn("request blocked by fraud policy",
			slog.String("code", req.Code),
			slog.Int("score", assessment.Score),
			slog.Any("reasons", assessment.Reasons))
		return assessment, &exchange.FraudBlockedError{Score: assessment.Score, Reasons: assessment.Reasons}
	case RiskMedium:
		g.metrics.RecordFlagged()
		g.notifier.Notify(audit.Event{
			Type:       audit.TypeFraudFlagged,
			OrderCode:  req.Code,
			Reason:     strings.Join(assessment.Reasons, ","),
			Attributes: attrs,
		})
	}
	return assessment, nil
}

func (g *Gate) denied(kind string, req Request, err error) {
	var limited *exchange.RateLimitedError
	if !errors.As(err, &limited) {
		return
	}
	g.metrics.RecordDenied(kind, limited.Scope)
	g.notifier.Notify(audit.Event{
		Type:      audit.TypeRateLimited,
		OrderCode: req.Code,
		Reason:    limited.Scope,
		Attributes: map[string]string{
			"identity":    req.Identity,
			"retry_after": limited.RetryAfter.String(),
		},
	})
}

func (g *Gate) offIncrement(req Request) bool {
	if g.catalog == nil || !req.FiatAmount.IsPositive() || req.Asset == "" {
		return false
	}
	spec, err := g.catalog.Lookup(req.Asset)
	if err != nil {
		return false
	}
	return !spec.OnIncrement(req.FiatAmount)
}
