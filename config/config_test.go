package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kioskexchange/exchange"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "kioskd.yaml", `
listen: ":9090"
orders:
  session_ttl: 2m
admission:
  limits:
    login:
      rate: 3
      per: 30s
poller:
  interval: 10s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, 2*time.Minute, cfg.Orders.SessionTTL.Duration)
	require.Equal(t, 30*time.Minute, cfg.Orders.PurchaseTTL.Duration)
	require.Equal(t, 10*time.Second, cfg.Poller.Interval.Duration)
	require.Equal(t, 3, cfg.Admission.Limits["login"].Rate)
	require.Equal(t, 30*time.Second, cfg.Admission.Limits["login"].Per.Duration)
	require.Equal(t, 1000, cfg.Admission.Limits["global"].Rate)
	require.Equal(t, 70, cfg.Admission.Fraud.HighThreshold)
	require.Equal(t, 5*time.Minute, cfg.Admission.SweepInterval.Duration)
	require.Len(t, cfg.Assets, 2)

	specs, err := cfg.AssetSpecs()
	require.NoError(t, err)
	catalog := exchange.NewCatalog(specs...)
	btc, err := catalog.Lookup(exchange.AssetBTC)
	require.NoError(t, err)
	require.Equal(t, exchange.NetworkLightning, btc.Network)
	require.EqualValues(t, 8, btc.Decimals)
	require.True(t, btc.SellFeePercent.GreaterThan(btc.BuyFeePercent))
	usdt, err := catalog.Lookup(exchange.AssetUSDT)
	require.NoError(t, err)
	require.Equal(t, "1000", usdt.FallbackPrice.String())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "kioskd.toml", `
listen = ":7070"

[orders]
purchase_ttl = "45m"

[[assets]]
symbol = "USDT"
network = "TRC20"
decimals = 6
min_fiat = "5000"
max_fiat = "100000"
increment = "500"
sell_fee_percent = "4"
buy_fee_percent = "2"
fallback_price = "1100"

  [[assets.sources]]
  name = "fixed"
  type = "static"
  price = "1050"

[messaging]
driver = "memory"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Listen)
	require.Equal(t, 45*time.Minute, cfg.Orders.PurchaseTTL.Duration)
	require.Len(t, cfg.Assets, 1)
	require.Equal(t, "static", cfg.Assets[0].Sources[0].Type)
	specs, err := cfg.AssetSpecs()
	require.NoError(t, err)
	require.Equal(t, "500", specs[0].Increment.String())
}

func TestValidateRejectsInvertedFees(t *testing.T) {
	cfg := Default()
	cfg.Assets[0].SellFeePercent = "2"
	cfg.Assets[0].BuyFeePercent = "6"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "must exceed buy fee")
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Assets[0].Increment = "3000"
	cfg.Assets[1].Sources = append(cfg.Assets[1].Sources, SourceConfig{Name: "x", Type: "kraken"})
	cfg.Messaging.Driver = "sqs"
	cfg.Oracle.Mode = "carrier-pigeon"
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"multiples of increment", "unknown source type", "outbound queue url", "unknown mode"} {
		require.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestAdmissionSafeguards(t *testing.T) {
	path := writeFile(t, "kioskd.yaml", `
admission:
  rate_limit_whitelist: ["10.20.0.0/16"]
  max_daily_transactions: 12
  max_daily_amount: "500000.50"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"10.20.0.0/16"}, cfg.Admission.Whitelist)
	require.Equal(t, 12, cfg.Admission.MaxDailyTransactions)
	amounts, err := cfg.Admission.Amounts()
	require.NoError(t, err)
	require.Equal(t, "500000.5", amounts.MaxDaily.String())
	require.Equal(t, "50000", amounts.AML.String())
	require.Equal(t, "100000", amounts.Reporting.String())

	defaults := Default()
	require.Equal(t, DefaultWhitelist, defaults.Admission.Whitelist)
	require.Equal(t, 50, defaults.Admission.MaxDailyTransactions)

	defaults.Admission.Whitelist = []string{"192.168.0.0/40"}
	defaults.Admission.MaxDailyAmount = "lots"
	err = defaults.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid whitelist entry")
	require.Contains(t, err.Error(), "max_daily_amount")
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeFile(t, "bad.yaml", "poller:\n  interval: soon\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("KIOSK_JWT_SECRET", "from-env")
	t.Setenv("KIOSK_DATABASE_DSN", "postgres://kiosk@db/kiosk")
	cfg := Default()
	require.Equal(t, "from-env", cfg.Auth.HMACSecret)
	require.Equal(t, "postgres://kiosk@db/kiosk", cfg.Database.DSN)
}
