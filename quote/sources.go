package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"kioskexchange/config"
)

// Source returns the fiat unit price of one asset.
type Source interface {
	Name() string
	Price(ctx context.Context) (decimal.Decimal, error)
}

// HTTPDoer is the subset of http.Client used by the HTTP sources.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Registry constructs price sources from configuration.
type Registry struct {
	HTTPClient HTTPDoer
}

// NewRegistry builds a registry with a bounded default client.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(cfg config.SourceConfig) (Source, error) {
	typ := strings.ToLower(strings.TrimSpace(cfg.Type))
	base := httpSource{
		name:     fallback(cfg.Name, typ),
		client:   r.client(),
		endpoint: strings.TrimSpace(cfg.Endpoint),
		limiter:  newLimiter(cfg.RatePerSecond, cfg.Burst),
	}
	switch typ {
	case "bitso":
		if base.endpoint == "" {
			base.endpoint = "https://api.bitso.com/v3/ticker/"
		}
		return &BitsoSource{httpSource: base, book: fallback(cfg.Symbol, "btc_ars")}, nil
	case "binance":
		if base.endpoint == "" {
			base.endpoint = "https://api.binance.com/api/v3/ticker/price"
		}
		factor, err := parseFactor(cfg.Factor)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", base.name, err)
		}
		return &BinanceSource{httpSource: base, symbol: strings.ToUpper(cfg.Symbol), factor: factor}, nil
	case "coingecko":
		if base.endpoint == "" {
			base.endpoint = "https://api.coingecko.com/api/v3/simple/price"
		}
		id, vs, ok := strings.Cut(cfg.Symbol, "/")
		if !ok || id == "" || vs == "" {
			return nil, fmt.Errorf("source %s: coingecko symbol must be <id>/<vs_currency>", base.name)
		}
		factor, err := parseFactor(cfg.Factor)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", base.name, err)
		}
		return &CoinGeckoSource{httpSource: base, id: strings.ToLower(id), vs: strings.ToLower(vs), factor: factor}, nil
	case "static":
		price, err := decimal.NewFromString(strings.TrimSpace(cfg.Price))
		if err != nil {
			return nil, fmt.Errorf("source %s: parse price: %w", base.name, err)
		}
		return StaticSource{SourceName: base.name, Value: price}, nil
	default:
		return nil, fmt.Errorf("unknown price source type %q", cfg.Type)
	}
}

// BuildChain builds an ordered fallback chain.
func (r *Registry) BuildChain(cfgs []config.SourceConfig) ([]Source, error) {
	chain := make([]Source, 0, len(cfgs))
	for _, cfg := range cfgs {
		src, err := r.Build(cfg)
		if err != nil {
			return nil, err
		}
		chain = append(chain, src)
	}
	return chain, nil
}

func (r *Registry) client() HTTPDoer {
	if r != nil && r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

type httpSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	limiter  *rate.Limiter
}

func (s *httpSource) Name() string { return s.name }

// getJSON waits for the source's request budget and decodes the response into out.
func (s *httpSource) getJSON(ctx context.Context, query url.Values, out any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: throttled: %w", s.name, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", s.name, err)
	}
	req.URL.RawQuery = query.Encode()
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", s.name, err)
	}
	return nil
}

// BitsoSource reads the last trade of a Bitso order book.
type BitsoSource struct {
	httpSource
	book string
}

func (s *BitsoSource) Price(ctx context.Context) (decimal.Decimal, error) {
	var payload struct {
		Success bool `json:"success"`
		Payload struct {
			Last string `json:"last"`
		} `json:"payload"`
	}
	if err := s.getJSON(ctx, url.Values{"book": {s.book}}, &payload); err != nil {
		return decimal.Zero, err
	}
	if !payload.Success {
		return decimal.Zero, fmt.Errorf("%s: upstream reported failure", s.name)
	}
	return parsePrice(s.name, payload.Payload.Last)
}

// BinanceSource reads a ticker price and scales it by a fixed factor.
type BinanceSource struct {
	httpSource
	symbol string
	factor decimal.Decimal
}

func (s *BinanceSource) Price(ctx context.Context) (decimal.Decimal, error) {
	var payload struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := s.getJSON(ctx, url.Values{"symbol": {s.symbol}}, &payload); err != nil {
		return decimal.Zero, err
	}
	price, err := parsePrice(s.name, payload.Price)
	if err != nil {
		return decimal.Zero, err
	}
	return price.Mul(s.factor), nil
}

// CoinGeckoSource reads the CoinGecko simple price API.
type CoinGeckoSource struct {
	httpSource
	id     string
	vs     string
	factor decimal.Decimal
}

func (s *CoinGeckoSource) Price(ctx context.Context) (decimal.Decimal, error) {
	var payload map[string]map[string]json.Number
	query := url.Values{"ids": {s.id}, "vs_currencies": {s.vs}}
	if err := s.getJSON(ctx, query, &payload); err != nil {
		return decimal.Zero, err
	}
	raw, ok := payload[s.id][s.vs]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: quote missing for %s/%s", s.name, s.id, s.vs)
	}
	price, err := parsePrice(s.name, raw.String())
	if err != nil {
		return decimal.Zero, err
	}
	return price.Mul(s.factor), nil
}

// StaticSource always returns the same price.
type StaticSource struct {
	SourceName string
	Value      decimal.Decimal
}

func (s StaticSource) Name() string { return fallback(s.SourceName, "static") }

func (s StaticSource) Price(context.Context) (decimal.Decimal, error) {
	if !s.Value.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: price not positive", s.Name())
	}
	return s.Value, nil
}

func parsePrice(source, raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: parse price %q: %w", source, raw, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: price %s not positive", source, price)
	}
	return price, nil
}

func parseFactor(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.NewFromInt(1), nil
	}
	factor, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse factor: %w", err)
	}
	if !factor.IsPositive() {
		return decimal.Zero, fmt.Errorf("factor must be positive")
	}
	return factor, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func fallback(value, def string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return def
}
