package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"kioskexchange/audit"
	"kioskexchange/exchange"
)

func setupSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(dsn, Options{MaxOpenConns: 1, AutoMigrate: true, LogLevel: logger.Silent})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store := NewSQLStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type storeFactory struct {
	name string
	new  func(t *testing.T) exchange.Store
}

func factories() []storeFactory {
	return []storeFactory{
		{name: "memory", new: func(*testing.T) exchange.Store { return NewMemoryStore() }},
		{name: "sqlite", new: func(t *testing.T) exchange.Store { return setupSQLStore(t) }},
	}
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleSession(code string, expiresIn time.Duration) *exchange.Session {
	return &exchange.Session{
		Order: exchange.Order{
			Code:         code,
			KioskID:      "kiosk-1",
			Asset:        exchange.AssetBTC,
			Network:      exchange.NetworkLightning,
			FiatAmount:   decimal.NewFromInt(150000),
			CryptoAmount: decimal.RequireFromString("0.01971428"),
			UnitPrice:    decimal.NewFromInt(7000000),
			FeePercent:   decimal.NewFromInt(8),
			FeeAmount:    decimal.NewFromInt(12000),
			CreatedAt:    baseTime,
			ExpiresAt:    baseTime.Add(expiresIn),
		},
		Status:            exchange.SessionAwaitingSettlement,
		SettlementRequest: "liquidgold@strike.me?session=" + code + "&amount=0.01971428",
		SettlementStatus:  exchange.SettlementPending,
	}
}

func samplePurchase(code string) *exchange.Purchase {
	return &exchange.Purchase{
		Order: exchange.Order{
			Code:         code,
			Asset:        exchange.AssetUSDT,
			Network:      exchange.NetworkTRC20,
			FiatAmount:   decimal.NewFromInt(100000),
			CryptoAmount: decimal.RequireFromString("97.087378"),
			UnitPrice:    decimal.NewFromInt(1030),
			FeePercent:   decimal.NewFromInt(3),
			FeeAmount:    decimal.NewFromInt(3000),
			CreatedAt:    baseTime,
			ExpiresAt:    baseTime.Add(30 * time.Minute),
		},
		Status:        exchange.PurchaseAwaitingAddress,
		FiatTotal:     decimal.NewFromInt(103000),
		CorrelationID: uuid.NewString(),
	}
}

func TestStoreSessionRoundTrip(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.new(t)
			ctx := context.Background()
			sess := sampleSession("123-456", 5*time.Minute)
			require.NoError(t, store.CreateSession(ctx, sess))
			require.Equal(t, int64(1), sess.Version)

			got, err := store.GetSession(ctx, "123-456")
			require.NoError(t, err)
			require.True(t, got.CryptoAmount.Equal(sess.CryptoAmount), "crypto amount must round-trip exactly")
			require.Equal(t, "0.01971428", got.CryptoAmount.String())
			require.True(t, got.FiatAmount.Equal(sess.FiatAmount))
			require.Equal(t, sess.SettlementRequest, got.SettlementRequest)
			require.Equal(t, exchange.SettlementPending, got.SettlementStatus)
			require.True(t, got.ExpiresAt.Equal(sess.ExpiresAt))

			err = store.CreateSession(ctx, sampleSession("123-456", time.Minute))
			require.ErrorIs(t, err, exchange.ErrDuplicateCode)

			_, err = store.GetSession(ctx, "000-000")
			require.ErrorIs(t, err, exchange.ErrNotFound)
		})
	}
}

func TestStoreConditionalUpdate(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.new(t)
			ctx := context.Background()
			require.NoError(t, store.CreateSession(ctx, sampleSession("111-222", 5*time.Minute)))

			first, err := store.GetSession(ctx, "111-222")
			require.NoError(t, err)
			second, err := store.GetSession(ctx, "111-222")
			require.NoError(t, err)

			first.Status = exchange.SessionPaid
			first.SettlementStatus = exchange.SettlementPaid
			done := baseTime.Add(time.Minute)
			first.CompletedAt = &done
			require.NoError(t, store.UpdateSession(ctx, first, first.Version))
			require.Equal(t, int64(2), first.Version)

			second.Status = exchange.SessionExpired
			err = store.UpdateSession(ctx, second, second.Version)
			require.ErrorIs(t, err, exchange.ErrVersionConflict)

			stored, err := store.GetSession(ctx, "111-222")
			require.NoError(t, err)
			require.Equal(t, exchange.SessionPaid, stored.Status)
			require.NotNil(t, stored.CompletedAt)
			require.True(t, stored.CompletedAt.Equal(done))

			ghost := sampleSession("999-999", time.Minute)
			require.ErrorIs(t, store.UpdateSession(ctx, ghost, 1), exchange.ErrNotFound)
		})
	}
}

func TestStoreConcurrentUpdatesSingleWinner(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.new(t)
			ctx := context.Background()
			p := samplePurchase("PURCHASE_ABCDEF01")
			require.NoError(t, store.CreatePurchase(ctx, p))

			var wg sync.WaitGroup
			var mu sync.Mutex
			wins, conflicts := 0, 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					candidate := *p
					candidate.Status = exchange.PurchaseAwaitingCrypto
					candidate.ReceiveAddress = fmt.Sprintf("addr-%d", i)
					err := store.UpdatePurchase(ctx, &candidate, 1)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case errors.Is(err, exchange.ErrVersionConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()
			require.Equal(t, 1, wins)
			require.Equal(t, 7, conflicts)
		})
	}
}

func TestStorePurchaseLookupsAndOpenLists(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.new(t)
			ctx := context.Background()
			open := samplePurchase("PURCHASE_00000001")
			closed := samplePurchase("PURCHASE_00000002")
			closed.Status = exchange.PurchaseCompleted
			require.NoError(t, store.CreatePurchase(ctx, open))
			require.NoError(t, store.CreatePurchase(ctx, closed))

			byCorr, err := store.GetPurchaseByCorrelation(ctx, open.CorrelationID)
			require.NoError(t, err)
			require.Equal(t, open.Code, byCorr.Code)
			require.Equal(t, "103000", byCorr.FiatTotal.String())

			_, err = store.GetPurchaseByCorrelation(ctx, "missing")
			require.ErrorIs(t, err, exchange.ErrNotFound)

			list, err := store.OpenPurchases(ctx, 10)
			require.NoError(t, err)
			require.Len(t, list, 1)
			require.Equal(t, open.Code, list[0].Code)

			require.NoError(t, store.CreateSession(ctx, sampleSession("200-001", 10*time.Minute)))
			require.NoError(t, store.CreateSession(ctx, sampleSession("200-002", 2*time.Minute)))
			paid := sampleSession("200-003", time.Minute)
			paid.Status = exchange.SessionPaid
			require.NoError(t, store.CreateSession(ctx, paid))

			sessions, err := store.OpenSessions(ctx, 0)
			require.NoError(t, err)
			require.Len(t, sessions, 2)
			require.Equal(t, "200-002", sessions[0].Code, "soonest expiry first")

			limited, err := store.OpenSessions(ctx, 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
		})
	}
}

func TestStoreUsageSince(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.new(t)
			reader, ok := store.(exchange.UsageReader)
			require.True(t, ok)
			ctx := context.Background()

			yesterday := sampleSession("100-000", time.Minute)
			yesterday.CreatedAt = baseTime.Add(-24 * time.Hour)
			yesterday.Status = exchange.SessionPaid
			require.NoError(t, store.CreateSession(ctx, yesterday))

			paid := sampleSession("100-001", time.Minute)
			paid.Status = exchange.SessionPaid
			require.NoError(t, store.CreateSession(ctx, paid))
			require.NoError(t, store.CreateSession(ctx, sampleSession("100-002", time.Minute)))

			completed := samplePurchase("PURCHASE_00000001")
			completed.Status = exchange.PurchaseCompleted
			require.NoError(t, store.CreatePurchase(ctx, completed))
			cancelled := samplePurchase("PURCHASE_00000002")
			cancelled.Status = exchange.PurchaseCancelled
			require.NoError(t, store.CreatePurchase(ctx, cancelled))

			usage, err := reader.UsageSince(ctx, baseTime.Add(-time.Hour))
			require.NoError(t, err)
			require.Equal(t, 4, usage.Orders)
			require.Equal(t, "250000", usage.SettledFiat.String())

			usage, err = reader.UsageSince(ctx, baseTime.Add(time.Hour))
			require.NoError(t, err)
			require.Zero(t, usage.Orders)
			require.True(t, usage.SettledFiat.IsZero())
		})
	}
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sess := sampleSession("555-555", time.Minute)
	require.NoError(t, store.CreateSession(ctx, sess))
	sess.Status = exchange.SessionPaid

	got, err := store.GetSession(ctx, "555-555")
	require.NoError(t, err)
	require.Equal(t, exchange.SessionAwaitingSettlement, got.Status)
}

func TestAuditSinkPersistsEvents(t *testing.T) {
	store := setupSQLStore(t)
	sink := NewAuditSink(store.DB())
	ctx := context.Background()
	ev := audit.Event{
		ID:         uuid.NewString(),
		Type:       audit.TypeTransition,
		OrderType:  string(exchange.OrderSession),
		OrderCode:  "123-456",
		From:       "awaiting_settlement",
		To:         "paid",
		Timestamp:  baseTime,
		Attributes: map[string]string{"source": "poller"},
	}
	require.NoError(t, sink.Deliver(ctx, ev))
	require.NoError(t, sink.Deliver(ctx, ev), "redelivery must be idempotent")
	require.NoError(t, sink.Deliver(ctx, audit.Event{
		ID:        uuid.NewString(),
		Type:      audit.TypeLateSettlement,
		OrderCode: "123-456",
		Timestamp: baseTime.Add(time.Minute),
	}))

	history, err := sink.History(ctx, "123-456")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "paid", history[0].To)
	require.Equal(t, "poller", history[0].Attributes["source"])
	require.Equal(t, audit.TypeLateSettlement, history[1].Type)
}

func TestIsPostgres(t *testing.T) {
	cases := map[string]bool{
		"postgres://kiosk@db/kiosk":       true,
		"postgresql://kiosk@db/kiosk":     true,
		"host=db user=kiosk dbname=kiosk": true,
		"file:kioskd.sqlite":              false,
		"file::memory:?cache=shared":      false,
		"/var/lib/kioskd/orders.sqlite":   false,
	}
	for dsn, want := range cases {
		if got := isPostgres(dsn); got != want {
			t.Fatalf("isPostgres(%q) = %v, want %v", dsn, got, want)
		}
	}
}
