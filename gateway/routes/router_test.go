package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kioskexchange/admission"
	"kioskexchange/exchange"
	"kioskexchange/gateway/middleware"
	"kioskexchange/lifecycle"
	"kioskexchange/oracle"
	"kioskexchange/quote"
	"kioskexchange/storage"
)

const (
	testSecret  = "callback-secret"
	tronAddress = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
)

type gateFunc func(admission.Request) error

func (f gateFunc) Admit(_ context.Context, req admission.Request) (admission.Assessment, error) {
	return admission.Assessment{}, f(req)
}

func testCatalog() *exchange.Catalog {
	return exchange.NewCatalog(
		exchange.AssetSpec{
			Asset:           exchange.AssetBTC,
			Network:         exchange.NetworkLightning,
			Decimals:        8,
			MinFiat:         decimal.NewFromInt(10000),
			MaxFiat:         decimal.NewFromInt(250000),
			Increment:       decimal.NewFromInt(1000),
			SellFeePercent:  decimal.NewFromInt(8),
			BuyFeePercent:   decimal.NewFromInt(6),
			FallbackPrice:   decimal.NewFromInt(100000000),
			InvoiceTemplate: "lnbc{amount}-{code}",
		},
		exchange.AssetSpec{
			Asset:           exchange.AssetUSDT,
			Network:         exchange.NetworkTRC20,
			Decimals:        6,
			MinFiat:         decimal.NewFromInt(10000),
			MaxFiat:         decimal.NewFromInt(250000),
			Increment:       decimal.NewFromInt(1000),
			SellFeePercent:  decimal.NewFromInt(5),
			BuyFeePercent:   decimal.NewFromInt(3),
			FallbackPrice:   decimal.NewFromInt(4000),
			InvoiceTemplate: "tron:{code}?amount={amount}",
		},
	)
}

func newTestServer(t *testing.T, gate middleware.Admitter) http.Handler {
	t.Helper()
	catalog := testCatalog()
	engine := quote.NewEngine(catalog,
		quote.WithSources(exchange.AssetBTC, quote.StaticSource{SourceName: "static", Value: decimal.NewFromInt(7000000)}),
		quote.WithSources(exchange.AssetUSDT, quote.StaticSource{SourceName: "static", Value: decimal.NewFromInt(4000)}),
	)
	deps := lifecycle.Deps{
		Store:   storage.NewMemoryStore(),
		Catalog: catalog,
		Quotes:  engine,
	}
	handler, err := New(Config{
		Sessions:      lifecycle.NewSessionService(deps, oracle.NewTemplateIssuer(catalog)),
		Purchases:     lifecycle.NewPurchaseService(deps),
		Quotes:        engine,
		Admission:     gate,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{}, nil),
		WebhookSecret: testSecret,
	})
	require.NoError(t, err)
	return handler
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func signed(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set(oracle.SignatureHeader, oracle.Sign(testSecret, payload))
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func decodeMap(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func TestNewRequiresServices(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newTestServer(t, nil)

	res := do(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.Code)

	do(t, h, http.MethodGet, "/v1/quotes?asset=BTC&amount=100000", nil)
	res = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "kiosk_gateway_requests_total")
}

func TestQuoteEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	res := do(t, h, http.MethodGet, "/v1/quotes?asset=usdt&amount=100000&direction=buy", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	body := decodeMap(t, res)
	assert.Equal(t, "USDT", body["asset"])
	assert.Equal(t, "buy", body["direction"])
	assert.Equal(t, "25", body["crypto_amount"])
	assert.Equal(t, "103000", body["fiat_total"])

	res = do(t, h, http.MethodGet, "/v1/quotes?asset=DOGE&amount=100000", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "asset", decodeMap(t, res)["field"])
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t, nil)

	res := do(t, h, http.MethodPost, "/v1/sessions", map[string]string{"asset": "BTC", "fiat_amount": "100000", "kiosk_id": "kiosk-7"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	created := decodeMap(t, res)
	code, _ := created["code"].(string)
	require.NotEmpty(t, code)
	assert.Equal(t, "awaiting_settlement", created["status"])
	assert.Equal(t, "aguardando", created["settlement_status"])
	assert.Equal(t, "0.01314285", created["crypto_amount"])
	assert.Equal(t, "kiosk-7", created["kiosk_id"])
	assert.True(t, strings.HasPrefix(created["settlement_request"].(string), "lnbc0.01314285-"))

	res = do(t, h, http.MethodGet, "/v1/sessions/"+code, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, code, decodeMap(t, res)["code"])

	res = signed(t, h, "/v1/sessions/"+code+"/settlement", map[string]string{"status": "pago"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	paid := decodeMap(t, res)
	assert.Equal(t, "paid", paid["status"])
	assert.NotEmpty(t, paid["completed_at"])

	res = signed(t, h, "/v1/sessions/"+code+"/settlement", map[string]string{"status": "expirado"})
	require.Equal(t, http.StatusConflict, res.Code)
	conflict := decodeMap(t, res)
	assert.Equal(t, "paid", conflict["current_status"])
}

func TestSettlementCallbackRequiresSignature(t *testing.T) {
	h := newTestServer(t, nil)
	res := do(t, h, http.MethodPost, "/v1/sessions", map[string]string{"asset": "BTC", "fiat_amount": "100000"})
	require.Equal(t, http.StatusCreated, res.Code)
	code := decodeMap(t, res)["code"].(string)

	res = do(t, h, http.MethodPost, "/v1/sessions/"+code+"/settlement", map[string]string{"status": "pago"})
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = do(t, h, http.MethodPost, "/v1/sessions/"+code+"/settlement", map[string]string{"status": "pago"},
		oracle.SignatureHeader, oracle.Sign("wrong-secret", []byte(`{"status":"pago"}`)))
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = signed(t, h, "/v1/sessions/"+code+"/settlement", map[string]string{"status": "settled"})
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "status", decodeMap(t, res)["field"])

	res = signed(t, h, "/v1/sessions/000-000/settlement", map[string]string{"status": "pago"})
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	h := newTestServer(t, nil)

	cases := []struct {
		name  string
		body  any
		field string
	}{
		{name: "missing asset", body: map[string]string{"fiat_amount": "100000"}, field: "asset"},
		{name: "non numeric amount", body: map[string]string{"asset": "BTC", "fiat_amount": "lots"}, field: "fiat_amount"},
		{name: "below minimum", body: map[string]string{"asset": "BTC", "fiat_amount": "5000"}, field: "fiat_amount"},
		{name: "off increment", body: map[string]string{"asset": "BTC", "fiat_amount": "100500"}, field: "fiat_amount"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := do(t, h, http.MethodPost, "/v1/sessions", tc.body)
			require.Equal(t, http.StatusBadRequest, res.Code, res.Body.String())
			assert.Equal(t, tc.field, decodeMap(t, res)["field"])
		})
	}

	res := do(t, h, http.MethodPost, "/v1/sessions", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestPurchaseLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t, nil)

	res := do(t, h, http.MethodPost, "/v1/purchases", map[string]string{"asset": "USDT", "fiat_amount": "100000"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	created := decodeMap(t, res)
	code := created["code"].(string)
	assert.True(t, strings.HasPrefix(code, "PURCHASE_"))
	assert.Equal(t, "awaiting_address", created["status"])
	assert.Equal(t, "103000", created["fiat_total"])
	assert.Equal(t, "cash", created["fiat_settlement_method"])
	correlation, _ := created["correlation_id"].(string)
	require.NotEmpty(t, correlation)

	res = do(t, h, http.MethodPost, "/v1/purchases/"+code+"/fiat-settlement", nil)
	require.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, "awaiting_address", decodeMap(t, res)["current_status"])

	res = signed(t, h, "/v1/purchases/address", map[string]string{"correlation_id": correlation, "address": tronAddress})
	require.Equal(t, http.StatusNoContent, res.Code, res.Body.String())

	res = do(t, h, http.MethodGet, "/v1/purchases/"+code, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "awaiting_crypto", decodeMap(t, res)["status"])

	res = do(t, h, http.MethodPost, "/v1/purchases/"+code+"/crypto-received", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "crypto_received", decodeMap(t, res)["status"])

	res = do(t, h, http.MethodPost, "/v1/purchases/"+code+"/fiat-settlement", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "completed", decodeMap(t, res)["status"])

	res = do(t, h, http.MethodPost, "/v1/purchases/"+code+"/cancel", map[string]string{"reason": "customer left"})
	require.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, "completed", decodeMap(t, res)["current_status"])
}

func TestCancelPurchaseOverHTTP(t *testing.T) {
	h := newTestServer(t, nil)
	res := do(t, h, http.MethodPost, "/v1/purchases", map[string]string{
		"asset": "USDT", "fiat_amount": "50000", "receive_address": tronAddress, "fiat_settlement_method": "card",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	created := decodeMap(t, res)
	assert.Equal(t, "awaiting_crypto", created["status"])
	assert.Equal(t, "card", created["fiat_settlement_method"])

	res = do(t, h, http.MethodPost, "/v1/purchases/"+created["code"].(string)+"/cancel", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	cancelled := decodeMap(t, res)
	assert.Equal(t, "cancelled", cancelled["status"])
	assert.NotEmpty(t, cancelled["cancel_reason"])
}

func TestCreatePurchaseRejectsBadAddress(t *testing.T) {
	h := newTestServer(t, nil)
	res := do(t, h, http.MethodPost, "/v1/purchases", map[string]string{
		"asset": "USDT", "fiat_amount": "50000", "receive_address": "not-an-address",
	})
	require.Equal(t, http.StatusBadRequest, res.Code, res.Body.String())
	assert.Equal(t, "receive_address", decodeMap(t, res)["field"])
}

func TestAdmissionDenialMapsToStatus(t *testing.T) {
	var seen []admission.Request
	gate := gateFunc(func(req admission.Request) error {
		seen = append(seen, req)
		if req.Endpoint == admission.ScopeOrder {
			return &exchange.FraudBlockedError{Score: 90, Reasons: []string{"burst"}}
		}
		return &exchange.RateLimitedError{Scope: admission.ScopeIdentity, RetryAfter: 3 * time.Second}
	})
	h := newTestServer(t, gate)

	res := do(t, h, http.MethodGet, "/v1/sessions/123-456", nil, "X-Real-IP", "198.51.100.4")
	require.Equal(t, http.StatusTooManyRequests, res.Code)
	assert.Equal(t, "3", res.Header().Get("Retry-After"))
	assert.EqualValues(t, 3, decodeMap(t, res)["retry_after_seconds"])

	res = do(t, h, http.MethodPost, "/v1/sessions", map[string]string{"asset": "BTC", "fiat_amount": "100000"}, "X-Real-IP", "198.51.100.4")
	require.Equal(t, http.StatusForbidden, res.Code)

	require.Len(t, seen, 2)
	assert.Equal(t, "123-456", seen[0].Code)
	assert.Equal(t, "198.51.100.4", seen[1].Identity)
}
