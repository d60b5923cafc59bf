package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{Traces: true}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = secret ,broken, =x,tenant=kiosk")
	if len(got) != 2 || got["api-key"] != "secret" || got["tenant"] != "kiosk" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestNewResourceDescribesKiosk(t *testing.T) {
	res, err := newResource(Config{
		ServiceName: "kioskd",
		Environment: "staging",
		Site:        "palermo-3",
		Instance:    "kiosk-host-1",
		Assets:      []string{"BTC", "USDT"},
		OracleMode:  "nowpayments",
	})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:           "kioskd",
		semconv.ServiceInstanceIDKey:     "kiosk-host-1",
		semconv.DeploymentEnvironmentKey: "staging",
		AttrSite:                         "palermo-3",
		AttrOracleMode:                   "nowpayments",
	} {
		got, ok := set.Value(key)
		if !ok || got.AsString() != want {
			t.Fatalf("%s = %q, want %q", key, got.AsString(), want)
		}
	}
	assets, ok := set.Value(AttrAssets)
	if !ok || len(assets.AsStringSlice()) != 2 {
		t.Fatalf("unexpected assets attribute %v", assets)
	}

	res, err = newResource(Config{ServiceName: "kioskd"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if _, ok := res.Set().Value(AttrSite); ok {
		t.Fatalf("site must be omitted when unset")
	}
}
