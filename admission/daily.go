package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kioskexchange/exchange"
)

// Scopes reported on a *exchange.RateLimitedError when a daily cap denies an
// order.
const (
	ScopeDailyTransactions = "daily_transactions"
	ScopeDailyAmount       = "daily_amount"
)

// Compliance markers attached to large orders.
const (
	ComplianceAML       = "aml_check"
	ComplianceReporting = "reporting"
)

// DailyCaps bounds order creation per UTC day across the whole deployment.
// A zero field disables that cap.
type DailyCaps struct {
	MaxTransactions int
	MaxAmount       decimal.Decimal
}

func (c DailyCaps) enabled() bool {
	return c.MaxTransactions > 0 || c.MaxAmount.IsPositive()
}

// ComplianceThresholds mark orders whose fiat amount exceeds a threshold.
// A zero threshold is not applied.
type ComplianceThresholds struct {
	AML       decimal.Decimal
	Reporting decimal.Decimal
}

// DefaultComplianceThresholds returns the stock AML and reporting thresholds.
func DefaultComplianceThresholds() ComplianceThresholds {
	return ComplianceThresholds{
		AML:       decimal.NewFromInt(50000),
		Reporting: decimal.NewFromInt(100000),
	}
}

// Flags lists the compliance markers amount triggers.
func (t ComplianceThresholds) Flags(amount decimal.Decimal) []string {
	var flags []string
	if t.AML.IsPositive() && amount.GreaterThan(t.AML) {
		flags = append(flags, ComplianceAML)
	}
	if t.Reporting.IsPositive() && amount.GreaterThan(t.Reporting) {
		flags = append(flags, ComplianceReporting)
	}
	return flags
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithDailyCaps enforces caps on orders created since UTC midnight, as
// reported by usage. Settled fiat counts toward MaxAmount together with the
// requested amount.
func WithDailyCaps(usage exchange.UsageReader, caps DailyCaps) GateOption {
	return func(g *Gate) {
		if usage != nil && caps.enabled() {
			g.usage = usage
			g.caps = caps
		}
	}
}

// WithCompliance overrides the compliance thresholds.
func WithCompliance(thresholds ComplianceThresholds) GateOption {
	return func(g *Gate) { g.compliance = thresholds }
}

// WithGateClock overrides the time source used for the day boundary.
func WithGateClock(clock exchange.Clock) GateOption {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// checkDaily fails closed: a usage lookup error denies the order.
func (g *Gate) checkDaily(ctx context.Context, amount decimal.Decimal) error {
	if g.usage == nil {
		return nil
	}
	now := g.clock.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	usage, err := g.usage.UsageSince(ctx, midnight)
	if err != nil {
		return fmt.Errorf("check daily usage: %w", err)
	}
	retry := midnight.Add(24 * time.Hour).Sub(now)
	if g.caps.MaxTransactions > 0 && usage.Orders >= g.caps.MaxTransactions {
		return &exchange.RateLimitedError{Scope: ScopeDailyTransactions, RetryAfter: retry}
	}
	if g.caps.MaxAmount.IsPositive() && usage.SettledFiat.Add(amount).GreaterThan(g.caps.MaxAmount) {
		return &exchange.RateLimitedError{Scope: ScopeDailyAmount, RetryAfter: retry}
	}
	return nil
}
