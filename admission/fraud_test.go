package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kioskexchange/audit"
	"kioskexchange/exchange"
)

func TestScorerRepeatedCodeAttempts(t *testing.T) {
	clock := newManualClock()
	scorer := NewScorer(DefaultFraudPolicy(), clock)
	for i := 0; i < 3; i++ {
		a := scorer.Assess(Signal{Identity: "1.1.1.1", Code: "123-456"})
		require.Equal(t, 0, a.Score, "attempt %d", i+1)
	}
	a := scorer.Assess(Signal{Identity: "1.1.1.1", Code: "123-456"})
	require.Equal(t, weightRepeatedAttempts, a.Score)
	require.Equal(t, RiskLow, a.Level)
	require.Contains(t, a.Reasons, ReasonRepeatedAttempts)

	clock.Advance(time.Hour + time.Second)
	a = scorer.Assess(Signal{Identity: "1.1.1.1", Code: "123-456"})
	require.Zero(t, a.Score, "attempts outside the window must be forgotten")
}

func TestScorerThresholds(t *testing.T) {
	scorer := NewScorer(DefaultFraudPolicy(), newManualClock(), "kiosk-bad")

	a := scorer.Assess(Signal{KioskID: "kiosk-bad"})
	require.Equal(t, 40, a.Score)
	require.Equal(t, RiskMedium, a.Level)

	a = scorer.Assess(Signal{KioskID: "kiosk-bad", OffIncrement: true})
	require.Equal(t, 60, a.Score)
	require.Equal(t, RiskMedium, a.Level)

	for i := 0; i < 3; i++ {
		scorer.Assess(Signal{Code: "999-000"})
	}
	a = scorer.Assess(Signal{KioskID: "kiosk-bad", Code: "999-000"})
	require.Equal(t, 70, a.Score)
	require.Equal(t, RiskHigh, a.Level)
}

func TestScorerVelocity(t *testing.T) {
	clock := newManualClock()
	scorer := NewScorer(FraudPolicy{}, clock)
	var last Assessment
	for i := 0; i < 11; i++ {
		last = scorer.Assess(Signal{Identity: "10.1.1.1", Transaction: true})
		clock.Advance(10 * time.Second)
	}
	require.Equal(t, weightHighVelocity, last.Score)
	require.Equal(t, []string{ReasonHighVelocity}, last.Reasons)
}

func TestScorerFlagLifecycle(t *testing.T) {
	scorer := NewScorer(DefaultFraudPolicy(), newManualClock())
	scorer.Flag("  10.9.9.9 ", "manual")
	require.True(t, scorer.IsFlagged("10.9.9.9"))
	scorer.Unflag("10.9.9.9")
	require.False(t, scorer.IsFlagged("10.9.9.9"))
	require.False(t, scorer.IsFlagged(""))
}

func TestScorerSweep(t *testing.T) {
	clock := newManualClock()
	scorer := NewScorer(DefaultFraudPolicy(), clock)
	scorer.Assess(Signal{Code: "111-111"})
	scorer.Assess(Signal{Identity: "a", Transaction: true})
	require.Zero(t, scorer.Sweep())
	clock.Advance(2 * time.Hour)
	require.Equal(t, 2, scorer.Sweep())
}

func testCatalog() *exchange.Catalog {
	return exchange.NewCatalog(exchange.AssetSpec{
		Asset:          exchange.AssetBTC,
		Network:        exchange.NetworkLightning,
		Decimals:       8,
		MinFiat:        decimal.NewFromInt(10000),
		MaxFiat:        decimal.NewFromInt(250000),
		Increment:      decimal.NewFromInt(1000),
		SellFeePercent: decimal.NewFromInt(10),
		BuyFeePercent:  decimal.NewFromInt(6),
		FallbackPrice:  decimal.NewFromInt(100000000),
	})
}

func TestGateRateLimitEmitsAudit(t *testing.T) {
	var rec audit.Recorder
	limiter := NewLimiter(map[string]Rule{ScopeOrder: {Rate: 1, Per: time.Minute}}, WithLimiterClock(newManualClock()))
	gate := NewGate(limiter, nil, nil, &rec, nil)
	ctx := context.Background()

	_, err := gate.Admit(ctx, Request{Identity: "1.2.3.4", Endpoint: ScopeOrder})
	require.NoError(t, err)
	_, err = gate.Admit(ctx, Request{Identity: "1.2.3.4", Endpoint: ScopeOrder})
	var limited *exchange.RateLimitedError
	require.True(t, errors.As(err, &limited))
	require.Equal(t, ScopeOrder, limited.Scope)

	events := rec.OfType(audit.TypeRateLimited)
	require.Len(t, events, 1)
	require.Equal(t, ScopeOrder, events[0].Reason)
}

func TestGateBlocksHighRisk(t *testing.T) {
	var rec audit.Recorder
	scorer := NewScorer(DefaultFraudPolicy(), newManualClock(), "1.2.3.4")
	gate := NewGate(nil, scorer, testCatalog(), &rec, nil)
	ctx := context.Background()

	a, err := gate.Admit(ctx, Request{
		Identity:   "1.2.3.4",
		Asset:      exchange.AssetBTC,
		FiatAmount: decimal.NewFromInt(15500),
	})
	require.NoError(t, err)
	require.Equal(t, RiskMedium, a.Level)
	require.Len(t, rec.OfType(audit.TypeFraudFlagged), 1)

	for i := 0; i < 3; i++ {
		_, _ = gate.Admit(ctx, Request{Identity: "5.5.5.5", Code: "222-333"})
	}
	_, err = gate.Admit(ctx, Request{Identity: "1.2.3.4", Code: "222-333"})
	var blocked *exchange.FraudBlockedError
	require.True(t, errors.As(err, &blocked), "got %v", err)
	require.Equal(t, 70, blocked.Score)
	require.True(t, errors.Is(err, exchange.ErrFraudBlocked))
	require.Len(t, rec.OfType(audit.TypeFraudBlocked), 1)
}

func TestGateOnIncrementAmountIsClean(t *testing.T) {
	gate := NewGate(nil, NewScorer(DefaultFraudPolicy(), newManualClock()), testCatalog(), nil, nil)
	a, err := gate.Admit(context.Background(), Request{
		Identity:   "9.9.9.9",
		Asset:      exchange.AssetBTC,
		FiatAmount: decimal.NewFromInt(15000),
	})
	require.NoError(t, err)
	require.Zero(t, a.Score)
}

type usageFunc func(since time.Time) (exchange.Usage, error)

func (f usageFunc) UsageSince(_ context.Context, since time.Time) (exchange.Usage, error) {
	return f(since)
}

func TestGateDailyCapsOnlyApplyToCreation(t *testing.T) {
	clock := newManualClock()
	var since time.Time
	usage := usageFunc(func(s time.Time) (exchange.Usage, error) {
		since = s
		return exchange.Usage{Orders: 5, SettledFiat: decimal.NewFromInt(90000)}, nil
	})
	gate := NewGate(nil, nil, nil, nil, nil,
		WithDailyCaps(usage, DailyCaps{MaxTransactions: 5}),
		WithGateClock(clock))
	ctx := context.Background()

	_, err := gate.Admit(ctx, Request{Identity: "1.2.3.4", Code: "123-456"})
	require.NoError(t, err, "lookups are not capped")

	_, err = gate.Admit(ctx, Request{Identity: "1.2.3.4", FiatAmount: decimal.NewFromInt(10000)})
	var limited *exchange.RateLimitedError
	require.True(t, errors.As(err, &limited), "got %v", err)
	require.Equal(t, ScopeDailyTransactions, limited.Scope)
	require.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), since)
}

func TestGateDailyCapsFailClosed(t *testing.T) {
	usage := usageFunc(func(time.Time) (exchange.Usage, error) {
		return exchange.Usage{}, errors.New("database offline")
	})
	gate := NewGate(nil, nil, nil, nil, nil, WithDailyCaps(usage, DailyCaps{MaxAmount: decimal.NewFromInt(100000)}))
	_, err := gate.Admit(context.Background(), Request{Identity: "1.2.3.4", FiatAmount: decimal.NewFromInt(10000)})
	require.Error(t, err)
	require.False(t, errors.Is(err, exchange.ErrRateLimited))
}

func TestComplianceThresholdFlags(t *testing.T) {
	thresholds := DefaultComplianceThresholds()
	require.Empty(t, thresholds.Flags(decimal.NewFromInt(50000)))
	require.Equal(t, []string{ComplianceAML}, thresholds.Flags(decimal.NewFromInt(50001)))
	require.Equal(t, []string{ComplianceAML, ComplianceReporting}, thresholds.Flags(decimal.NewFromInt(150000)))
	require.Empty(t, ComplianceThresholds{}.Flags(decimal.NewFromInt(1000000)))

	gate := NewGate(nil, nil, nil, nil, nil, WithCompliance(ComplianceThresholds{AML: decimal.NewFromInt(10000)}))
	a, err := gate.Admit(context.Background(), Request{Identity: "1.2.3.4", FiatAmount: decimal.NewFromInt(20000)})
	require.NoError(t, err)
	require.Equal(t, []string{ComplianceAML}, a.Compliance)
}
