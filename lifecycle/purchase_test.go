package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kioskexchange/audit"
	"kioskexchange/exchange"
	"kioskexchange/messaging"
)

const (
	tronAddress   = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	segwitAddress = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
)

type stubReceive struct {
	received atomic.Bool
	calls    atomic.Int32
}

func (s *stubReceive) Received(context.Context, *exchange.Purchase) (bool, error) {
	s.calls.Add(1)
	return s.received.Load(), nil
}

func buy(t *testing.T, svc *PurchaseService, asset exchange.Asset, fiat int64, address string) *exchange.Purchase {
	t.Helper()
	purchase, err := svc.CreatePurchase(context.Background(), CreatePurchaseRequest{
		Identity:       "10.0.0.7",
		KioskID:        "kiosk-2",
		Asset:          asset,
		FiatAmount:     decimal.NewFromInt(fiat),
		ReceiveAddress: address,
		FiatMethod:     "cash",
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	return purchase
}

func TestCreatePurchaseChargesFeeOnTop(t *testing.T) {
	h := newHarness(t)
	purchase := buy(t, NewPurchaseService(h.deps), exchange.AssetUSDT, 100000, tronAddress)

	if !strings.HasPrefix(purchase.Code, "PURCHASE_") || len(purchase.Code) != len("PURCHASE_")+8 {
		t.Fatalf("unexpected code %q", purchase.Code)
	}
	if purchase.Status != exchange.PurchaseAwaitingCrypto {
		t.Fatalf("purchase with address must await crypto, got %s", purchase.Status)
	}
	if !purchase.CryptoAmount.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("crypto amount %s, want 25", purchase.CryptoAmount)
	}
	if !purchase.FiatTotal.Equal(decimal.NewFromInt(103000)) {
		t.Fatalf("fiat total %s, want 103000", purchase.FiatTotal)
	}
	if !purchase.ExpiresAt.Equal(h.clock.Now().Add(DefaultPurchaseTTL)) {
		t.Fatalf("unexpected expiry %s", purchase.ExpiresAt)
	}
	if len(h.bus.OfType(messaging.TypeAddressRequested)) != 0 {
		t.Fatalf("address requested although one was supplied")
	}
}

func TestCreatePurchaseRejectsInvalidAddress(t *testing.T) {
	h := newHarness(t)
	svc := NewPurchaseService(h.deps)
	_, err := svc.CreatePurchase(context.Background(), CreatePurchaseRequest{
		Asset:          exchange.AssetUSDT,
		FiatAmount:     decimal.NewFromInt(20000),
		ReceiveAddress: segwitAddress,
	})
	if !errors.Is(err, exchange.ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
	open, _ := h.store.OpenPurchases(context.Background(), 0)
	if len(open) != 0 {
		t.Fatalf("invalid request persisted a purchase")
	}
}

func TestAddressRequestRoundTrip(t *testing.T) {
	h := newHarness(t)
	svc := NewPurchaseService(h.deps)
	h.bus.Subscribe(messaging.AddressHandler(svc))

	purchase := buy(t, svc, exchange.AssetBTC, 60000, "")
	if purchase.Status != exchange.PurchaseAwaitingAddress || purchase.ReceiveAddress != "" {
		t.Fatalf("unexpected initial purchase %+v", purchase)
	}
	requests := h.bus.OfType(messaging.TypeAddressRequested)
	if len(requests) != 1 || requests[0].CorrelationID != purchase.CorrelationID {
		t.Fatalf("address request not published: %+v", requests)
	}

	ctx := context.Background()
	reply := messaging.Message{
		Type:          messaging.TypeAddressReceived,
		CorrelationID: purchase.CorrelationID,
		Payload:       map[string]string{"address": segwitAddress},
	}
	if err := h.bus.Publish(ctx, reply); err != nil {
		t.Fatalf("deliver address: %v", err)
	}
	got, err := svc.GetPurchaseStatus(ctx, purchase.Code)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != exchange.PurchaseAwaitingCrypto || got.ReceiveAddress != segwitAddress {
		t.Fatalf("address not applied: %+v", got)
	}

	if err := h.bus.Publish(ctx, reply); err != nil {
		t.Fatalf("redelivery must be a no-op: %v", err)
	}
	err = svc.ReceiveAddress(ctx, purchase.CorrelationID, "satoshi@walletofsatoshi.com")
	if !errors.Is(err, exchange.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for a second address, got %v", err)
	}
	if err := svc.ReceiveAddress(ctx, "unknown-correlation", segwitAddress); !errors.Is(err, exchange.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReceiveAddressValidatesNetwork(t *testing.T) {
	h := newHarness(t)
	svc := NewPurchaseService(h.deps)
	purchase := buy(t, svc, exchange.AssetUSDT, 20000, "")

	err := svc.ReceiveAddress(context.Background(), purchase.CorrelationID, segwitAddress)
	if !errors.Is(err, exchange.ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
	got, _ := h.store.GetPurchase(context.Background(), purchase.Code)
	if got.Status != exchange.PurchaseAwaitingAddress {
		t.Fatalf("invalid address moved purchase to %s", got.Status)
	}
}

func TestFiatBeforeCryptoIsRejected(t *testing.T) {
	h := newHarness(t)
	svc := NewPurchaseService(h.deps)
	purchase := buy(t, svc, exchange.AssetUSDT, 20000, tronAddress)

	_, err := svc.ConfirmFiatSettlement(context.Background(), purchase.Code)
	if !errors.Is(err, exchange.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	var terr *exchange.TransitionError
	if !errors.As(err, &terr) || terr.Current != string(exchange.PurchaseAwaitingCrypto) || terr.Attempted != string(exchange.PurchaseCompleted) {
		t.Fatalf("unexpected transition error %+v", terr)
	}
	got, _ := h.store.GetPurchase(context.Background(), purchase.Code)
	if got.Status != exchange.PurchaseAwaitingCrypto {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestConfirmCryptoWithoutAddressIsRejected(t *testing.T) {
	h := newHarness(t)
	svc := NewPurchaseService(h.deps)
	purchase := buy(t, svc, exchange.AssetBTC, 20000, "")
	if _, err := svc.ConfirmCryptoReceived(context.Background(), purchase.Code); !errors.Is(err, exchange.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestPurchaseHappyPathAndTerminalGuards(t *testing.T) {
	h := newHarness(t)
	svc := NewPurchaseService(h.deps)
	purchase := buy(t, svc, exchange.AssetUSDT, 40000, tronAddress)
	ctx := context.Background()

	got, err := svc.ConfirmCryptoReceived(ctx, purchase.Code)
	if err != nil || got.Status != exchange.PurchaseCryptoReceived {
		t.Fatalf("confirm crypto: %v %+v", err, got)
	}
	got, err = svc.ConfirmFiatSettlement(ctx, purchase.Code)
	if err != nil || got.Status != exchange.PurchaseCompleted || got.CompletedAt == nil {
		t.Fatalf("confirm fiat: %v %+v", err, got)
	}
	completed := h.bus.OfType(messaging.TypePurchaseCompleted)
	if len(completed) != 1 || completed[0].Payload["receive_address"] != tronAddress {
		t.Fatalf("completion not published: %+v", completed)
	}

	_, err = svc.CancelPurchase(ctx, purchase.Code, "customer left")
	var terr *exchange.TransitionError
	if !errors.As(err, &terr) || terr.Current != string(exchange.PurchaseCompleted) {
		t.Fatalf("cancel after completion must fail with the actual status, got %v", err)
	}
	if _, err := svc.ConfirmFiatSettlement(ctx, purchase.Code); !errors.Is(err, exchange.ErrInvalidTransition) {
		t.Fatalf("second completion must fail, got %v", err)
	}

	var transitions []string
	for _, ev := range h.recorder.OfType(audit.TypeTransition) {
		transitions = append(transitions, ev.From+">"+ev.To)
	}
	want := "awaiting_crypto>crypto_received,crypto_received>completed"
	if strings.Join(transitions, ",") != want {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestCancelPurchase(t *testing.T) {
	h := newHarness(t)
	svc := NewPurchaseService(h.deps)
	purchase := buy(t, svc, exchange.AssetBTC, 20000, "")

	got, err := svc.CancelPurchase(context.Background(), purchase.Code, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != exchange.PurchaseCancelled || got.CancelReason == "" {
		t.Fatalf("unexpected cancelled purchase %+v", got)
	}
	if got.CompletedAt != nil {
		t.Fatalf("cancelled purchase must not carry a completion time, got %v", got.CompletedAt)
	}
	if _, err := svc.CancelPurchase(context.Background(), purchase.Code, ""); !errors.Is(err, exchange.ErrInvalidTransition) {
		t.Fatalf("double cancel must fail, got %v", err)
	}
	if _, err := svc.CancelPurchase(context.Background(), "PURCHASE_00000000", ""); !errors.Is(err, exchange.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPurchaseExpiry(t *testing.T) {
	h := newHarness(t)
	svc := NewPurchaseService(h.deps, WithPurchaseTTL(10*time.Minute))
	waiting := buy(t, svc, exchange.AssetUSDT, 20000, tronAddress)
	received := buy(t, svc, exchange.AssetUSDT, 20000, tronAddress)
	ctx := context.Background()
	if _, err := svc.ConfirmCryptoReceived(ctx, received.Code); err != nil {
		t.Fatalf("confirm crypto: %v", err)
	}

	h.clock.Advance(11 * time.Minute)
	got, err := svc.GetPurchaseStatus(ctx, waiting.Code)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != exchange.PurchaseExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Fatalf("expired purchase must not carry a completion time, got %v", got.CompletedAt)
	}
	if _, err := svc.ConfirmCryptoReceived(ctx, waiting.Code); !errors.Is(err, exchange.ErrInvalidTransition) {
		t.Fatalf("expired purchase accepted crypto: %v", err)
	}

	got, err = svc.GetPurchaseStatus(ctx, received.Code)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != exchange.PurchaseCryptoReceived {
		t.Fatalf("purchase holding customer crypto must not expire, got %s", got.Status)
	}
	if got, err = svc.ConfirmFiatSettlement(ctx, received.Code); err != nil || got.Status != exchange.PurchaseCompleted || got.CompletedAt == nil {
		t.Fatalf("late fiat settlement: %v", err)
	}
}

func TestRefreshPurchaseUsesReceiveOracle(t *testing.T) {
	h := newHarness(t)
	receive := &stubReceive{}
	svc := NewPurchaseService(h.deps, WithReceiveOracle(receive))
	pending := buy(t, svc, exchange.AssetBTC, 20000, "")
	purchase := buy(t, svc, exchange.AssetBTC, 20000, segwitAddress)
	ctx := context.Background()

	if _, err := svc.RefreshPurchase(ctx, pending.Code); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if receive.calls.Load() != 0 {
		t.Fatalf("oracle asked about a purchase without an address")
	}

	got, err := svc.RefreshPurchase(ctx, purchase.Code)
	if err != nil || got.Status != exchange.PurchaseAwaitingCrypto {
		t.Fatalf("refresh without funds: %v %+v", err, got)
	}
	receive.received.Store(true)
	got, err = svc.RefreshPurchase(ctx, purchase.Code)
	if err != nil || got.Status != exchange.PurchaseCryptoReceived {
		t.Fatalf("refresh with funds: %v %+v", err, got)
	}
	if receive.calls.Load() != 2 {
		t.Fatalf("expected two oracle calls, got %d", receive.calls.Load())
	}
}
