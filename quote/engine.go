// Package quote converts fiat amounts into crypto amounts under live prices and
// direction-dependent fees.
package quote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"kioskexchange/exchange"
	"kioskexchange/observability"
)

var hundred = decimal.NewFromInt(100)

// Quote is the priced outcome of a conversion request.
type Quote struct {
	Asset        exchange.Asset
	Direction    exchange.Direction
	FiatAmount   decimal.Decimal
	UnitPrice    decimal.Decimal
	FeePercent   decimal.Decimal
	FeeAmount    decimal.Decimal
	CryptoAmount decimal.Decimal
	// FiatTotal is what the customer hands over: the amount itself on a sell,
	// amount plus fee on a buy.
	FiatTotal   decimal.Decimal
	PriceSource string
	Fallback    bool
	QuotedAt    time.Time
}

// Engine prices quotes from per-asset source chains.
type Engine struct {
	catalog  *exchange.Catalog
	sources  map[exchange.Asset][]Source
	timeout  time.Duration
	cacheTTL time.Duration
	clock    exchange.Clock
	logger   *slog.Logger
	metrics  *observability.QuoteMetrics

	mu    sync.Mutex
	cache map[exchange.Asset]cachedPrice
}

type cachedPrice struct {
	price   decimal.Decimal
	source  string
	fetched time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSources sets the ordered fallback chain for an asset.
func WithSources(asset exchange.Asset, sources ...Source) Option {
	return func(e *Engine) {
		e.sources[asset] = append([]Source(nil), sources...)
	}
}

// WithTimeout bounds each upstream call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithCacheTTL keeps a successful upstream price for d. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = d }
}

// WithClock overrides the time source.
func WithClock(clock exchange.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.QuoteMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds an engine over the configured asset catalog.
func NewEngine(catalog *exchange.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog: catalog,
		sources: make(map[exchange.Asset][]Source),
		timeout: 5 * time.Second,
		clock:   exchange.SystemClock{},
		logger:  slog.Default(),
		metrics: observability.Quotes(),
		cache:   make(map[exchange.Asset]cachedPrice),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Quote prices fiatAmount of asset in the given direction. Upstream failures
// never surface: when every source fails the configured fallback price is used.
func (e *Engine) Quote(ctx context.Context, asset exchange.Asset, fiatAmount decimal.Decimal, dir exchange.Direction) (Quote, error) {
	ctx, span := otel.Tracer("kioskexchange/quote").Start(ctx, "quote.Quote")
	defer span.End()
	span.SetAttributes(attribute.String("asset", string(asset)), attribute.String("direction", string(dir)))

	spec, err := e.catalog.Lookup(asset)
	if err != nil {
		return Quote{}, err
	}
	if err := spec.CheckAmount(fiatAmount); err != nil {
		return Quote{}, err
	}
	price, source, usedFallback := e.UnitPrice(ctx, spec)
	q, err := Compute(spec, price, fiatAmount, dir)
	if err != nil {
		return Quote{}, err
	}
	q.PriceSource = source
	q.Fallback = usedFallback
	q.QuotedAt = e.clock.Now()
	span.SetAttributes(attribute.Bool("fallback", usedFallback), attribute.String("source", source))
	return q, nil
}

// UnitPrice walks the asset's source chain and returns the first usable price,
// its source name and whether the configured fallback was used instead.
func (e *Engine) UnitPrice(ctx context.Context, spec exchange.AssetSpec) (decimal.Decimal, string, bool) {
	now := e.clock.Now()
	if cached, ok := e.cached(spec.Asset, now); ok {
		return cached.price, cached.source, false
	}
	for _, src := range e.sources[spec.Asset] {
		price, err := e.fetch(ctx, src)
		if err != nil {
			e.metrics.RecordSourceError(string(spec.Asset), src.Name())
			e.logger.Warn("price source failed",
				slog.String("asset", string(spec.Asset)),
				slog.String("source", src.Name()),
				slog.Any("error", err))
			continue
		}
		e.store(spec.Asset, cachedPrice{price: price, source: src.Name(), fetched: now})
		return price, src.Name(), false
	}
	e.metrics.RecordFallback(string(spec.Asset))
	e.logger.Warn("using fallback price",
		slog.String("asset", string(spec.Asset)),
		slog.String("price", spec.FallbackPrice.String()))
	return spec.FallbackPrice, "fallback", true
}

func (e *Engine) fetch(ctx context.Context, src Source) (decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	start := time.Now()
	price, err := src.Price(callCtx)
	e.metrics.ObserveSource(src.Name(), time.Since(start))
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, exchange.ErrUpstreamUnavailable
	}
	return price, nil
}

func (e *Engine) cached(asset exchange.Asset, now time.Time) (cachedPrice, bool) {
	if e.cacheTTL <= 0 {
		return cachedPrice{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[asset]
	if !ok || now.Sub(entry.fetched) > e.cacheTTL {
		return cachedPrice{}, false
	}
	return entry, true
}

func (e *Engine) store(asset exchange.Asset, entry cachedPrice) {
	if e.cacheTTL <= 0 {
		return
	}
	e.mu.Lock()
	e.cache[asset] = entry
	e.mu.Unlock()
}

// Compute applies the fee policy for dir at a fixed unit price. On a sell the
// fee is taken out of the fiat before conversion; on a buy the whole fiat
// amount converts and the fee is charged on top. Crypto amounts are truncated
// to the asset precision.
func Compute(spec exchange.AssetSpec, unitPrice, fiatAmount decimal.Decimal, dir exchange.Direction) (Quote, error) {
	if !unitPrice.IsPositive() {
		return Quote{}, exchange.ErrUpstreamUnavailable
	}
	feePercent := spec.FeePercent(dir)
	feeAmount := fiatAmount.Mul(feePercent).Div(hundred)
	q := Quote{
		Asset:      spec.Asset,
		Direction:  dir,
		FiatAmount: fiatAmount,
		UnitPrice:  unitPrice,
		FeePercent: feePercent,
		FeeAmount:  feeAmount,
	}
	switch dir {
	case exchange.DirectionSell:
		q.CryptoAmount = floor(fiatAmount.Sub(feeAmount), unitPrice, spec.Decimals)
		q.FiatTotal = fiatAmount
	case exchange.DirectionBuy:
		q.CryptoAmount = floor(fiatAmount, unitPrice, spec.Decimals)
		q.FiatTotal = fiatAmount.Add(feeAmount)
	default:
		return Quote{}, &exchange.ValidationError{Field: "direction", Kind: exchange.ErrValidation, Detail: string(dir)}
	}
	return q, nil
}

func floor(numerator, denominator decimal.Decimal, precision int32) decimal.Decimal {
	if !numerator.IsPositive() {
		return decimal.Zero
	}
	q, _ := numerator.QuoRem(denominator, precision)
	return q
}
