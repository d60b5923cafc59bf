package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kioskexchange/exchange"
)

func testCatalog() *exchange.Catalog {
	return exchange.NewCatalog(
		exchange.AssetSpec{
			Asset:           exchange.AssetBTC,
			Network:         exchange.NetworkLightning,
			Decimals:        8,
			InvoiceTemplate: "liquidgold@strike.me?session={code}&amount={amount}",
		},
		exchange.AssetSpec{
			Asset:           exchange.AssetUSDT,
			Network:         exchange.NetworkTRC20,
			Decimals:        6,
			InvoiceTemplate: "TRC20:liquidgold_wallet?session={code}&amount={amount}",
		},
	)
}

func session(code string, asset exchange.Asset, crypto string) *exchange.Session {
	return &exchange.Session{Order: exchange.Order{
		Code:         code,
		Asset:        asset,
		CryptoAmount: decimal.RequireFromString(crypto),
	}}
}

func TestTemplateIssuer(t *testing.T) {
	issuer := NewTemplateIssuer(testCatalog())
	cases := []struct {
		session *exchange.Session
		want    string
	}{
		{session("123-456", exchange.AssetBTC, "0.01971428"), "liquidgold@strike.me?session=123-456&amount=0.01971428"},
		{session("654-321", exchange.AssetBTC, "0.001"), "liquidgold@strike.me?session=654-321&amount=0.00100000"},
		{session("777-000", exchange.AssetUSDT, "95"), "TRC20:liquidgold_wallet?session=777-000&amount=95.000000"},
	}
	for _, tc := range cases {
		inv, err := issuer.Issue(context.Background(), tc.session)
		if err != nil {
			t.Fatalf("issue %s: %v", tc.session.Code, err)
		}
		if inv.Request != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, inv.Request)
		}
		if inv.Ref != "" {
			t.Fatalf("template invoices have no reference")
		}
	}
}

func TestNowPaymentsIssueAndStatus(t *testing.T) {
	var status atomic.Value
	status.Store("waiting")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "np-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/invoice":
			var req NowPaymentsInvoiceRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode: %v", err)
			}
			if req.OrderID != "123-456" || req.PriceAmount != "0.01971428" || req.PayCurrency != "btc" {
				t.Errorf("unexpected invoice request %+v", req)
			}
			_ = json.NewEncoder(w).Encode(NowPaymentsInvoice{ID: "np-1", InvoiceURL: "https://nowpayments.io/payment/?iid=np-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/invoice/np-1":
			_ = json.NewEncoder(w).Encode(NowPaymentsInvoice{ID: "np-1", PaymentStatus: status.Load().(string)})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewNowPayments(srv.URL, "np-key", "https://kiosk.example/v1/sessions", time.Second)
	sess := session("123-456", exchange.AssetBTC, "0.01971428")
	inv, err := client.Issue(context.Background(), sess)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if inv.Ref != "np-1" || inv.Request == "" {
		t.Fatalf("unexpected invoice %+v", inv)
	}
	sess.SettlementRef = inv.Ref

	paid, err := client.SettlementStatus(context.Background(), sess)
	if err != nil || paid {
		t.Fatalf("waiting invoice must not be paid: %v %v", paid, err)
	}
	for _, s := range []string{"finished", "confirmed"} {
		status.Store(s)
		paid, err = client.SettlementStatus(context.Background(), sess)
		if err != nil || !paid {
			t.Fatalf("%s invoice must be paid: %v %v", s, paid, err)
		}
	}
}

func TestNowPaymentsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	client := NewNowPayments(srv.URL, "k", "", time.Second)
	_, err := client.Issue(context.Background(), session("1", exchange.AssetUSDT, "1"))
	if !errors.Is(err, exchange.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	_, err = client.SettlementStatus(context.Background(), session("1", exchange.AssetUSDT, "1"))
	if err == nil {
		t.Fatalf("missing reference must fail")
	}
}

func TestLedgerWatcher(t *testing.T) {
	var reported atomic.Value
	reported.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/addresses/TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t/received" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("asset") != "USDT" || r.URL.Query().Get("amount") != "97.087378" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer watch-key" {
			t.Errorf("missing bearer token")
		}
		amount := reported.Load().(string)
		_ = json.NewEncoder(w).Encode(receivedResponse{Received: amount != "", Amount: amount})
	}))
	defer srv.Close()

	watcher := NewLedgerWatcher(srv.URL, "watch-key", time.Second)
	p := &exchange.Purchase{
		Order:          exchange.Order{Code: "PURCHASE_1", Asset: exchange.AssetUSDT, CryptoAmount: decimal.RequireFromString("97.087378")},
		ReceiveAddress: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
	}
	ctx := context.Background()

	if ok, err := watcher.Received(ctx, p); err != nil || ok {
		t.Fatalf("nothing received yet: %v %v", ok, err)
	}
	reported.Store("50")
	if ok, err := watcher.Received(ctx, p); err != nil || ok {
		t.Fatalf("partial payment must not confirm: %v %v", ok, err)
	}
	reported.Store("97.087378")
	if ok, err := watcher.Received(ctx, p); err != nil || !ok {
		t.Fatalf("full payment must confirm: %v %v", ok, err)
	}

	p.ReceiveAddress = ""
	if ok, err := watcher.Received(ctx, p); err != nil || ok {
		t.Fatalf("no address means nothing to watch: %v %v", ok, err)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"status":"paid"}`)
	sig := Sign("s3cret", body)
	if !VerifySignature("s3cret", body, sig) {
		t.Fatalf("signature should verify")
	}
	if !VerifySignature("s3cret", body, "sha256="+sig) {
		t.Fatalf("prefixed signature should verify")
	}
	if VerifySignature("other", body, sig) {
		t.Fatalf("wrong secret must fail")
	}
	if VerifySignature("s3cret", []byte(`{"status":"expired"}`), sig) {
		t.Fatalf("tampered body must fail")
	}
	if VerifySignature("", body, sig) || VerifySignature("s3cret", body, "zz") {
		t.Fatalf("empty secret or garbage signature must fail")
	}
}
