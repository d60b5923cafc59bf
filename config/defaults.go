package config

import "time"

// DefaultLimits are the sliding-window budgets applied when a scope is not configured.
var DefaultLimits = map[string]LimitConfig{
	"global": {Rate: 1000, Per: Duration{time.Minute}},
	"ip":     {Rate: 100, Per: Duration{time.Minute}},
	"login":  {Rate: 5, Per: Duration{time.Minute}},
	"api":    {Rate: 200, Per: Duration{time.Minute}},
	"admin":  {Rate: 50, Per: Duration{time.Minute}},
	"order":  {Rate: 20, Per: Duration{time.Minute}},
}

// DefaultWhitelist exempts loopback and the kiosk LAN from per-identity limits.
var DefaultWhitelist = []string{"127.0.0.1", "::1", "192.168.0.0/16"}

func defaultAssets() []AssetConfig {
	return []AssetConfig{
		{
			Symbol:          "BTC",
			Network:         "Lightning",
			Decimals:        8,
			MinFiat:         "10000",
			MaxFiat:         "250000",
			Increment:       "1000",
			SellFeePercent:  "10",
			BuyFeePercent:   "6",
			FallbackPrice:   "100000000",
			InvoiceTemplate: "liquidgold@strike.me?session={code}&amount={amount}",
			Sources: []SourceConfig{
				{Name: "bitso", Type: "bitso", Endpoint: "https://api.bitso.com/v3/ticker/", Symbol: "btc_ars", RatePerSecond: 1, Burst: 2},
				{Name: "coingecko", Type: "coingecko", Endpoint: "https://api.coingecko.com/api/v3/simple/price", Symbol: "bitcoin/ars", RatePerSecond: 0.5, Burst: 1},
			},
		},
		{
			Symbol:          "USDT",
			Network:         "TRC20",
			Decimals:        6,
			MinFiat:         "10000",
			MaxFiat:         "250000",
			Increment:       "1000",
			SellFeePercent:  "5",
			BuyFeePercent:   "3",
			FallbackPrice:   "1000",
			InvoiceTemplate: "TRC20:liquidgold_wallet?session={code}&amount={amount}",
			Sources: []SourceConfig{
				{Name: "binance", Type: "binance", Endpoint: "https://api.binance.com/api/v3/ticker/price", Symbol: "USDTUSD", Factor: "1000", RatePerSecond: 1, Burst: 2},
			},
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = "kioskd"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB <= 0 {
			cfg.Logging.MaxSizeMB = 100
		}
		if cfg.Logging.MaxBackups <= 0 {
			cfg.Logging.MaxBackups = 5
		}
		if cfg.Logging.MaxAgeDays <= 0 {
			cfg.Logging.MaxAgeDays = 30
		}
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:kioskd.sqlite?_pragma=busy_timeout(5000)"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if len(cfg.Assets) == 0 {
		cfg.Assets = defaultAssets()
	}
	if cfg.Orders.SessionTTL.Duration == 0 {
		cfg.Orders.SessionTTL.Duration = 5 * time.Minute
	}
	if cfg.Orders.PurchaseTTL.Duration == 0 {
		cfg.Orders.PurchaseTTL.Duration = 30 * time.Minute
	}
	if cfg.Orders.CodeAttempts <= 0 {
		cfg.Orders.CodeAttempts = 5
	}
	if cfg.Quote.Timeout.Duration == 0 {
		cfg.Quote.Timeout.Duration = 5 * time.Second
	}
	if cfg.Quote.CacheTTL.Duration == 0 {
		cfg.Quote.CacheTTL.Duration = 15 * time.Second
	}
	if cfg.Admission.SweepInterval.Duration == 0 {
		cfg.Admission.SweepInterval.Duration = 5 * time.Minute
	}
	if cfg.Admission.Limits == nil {
		cfg.Admission.Limits = map[string]LimitConfig{}
	}
	for scope, limit := range DefaultLimits {
		if _, ok := cfg.Admission.Limits[scope]; !ok {
			cfg.Admission.Limits[scope] = limit
		}
	}
	if cfg.Admission.Whitelist == nil {
		cfg.Admission.Whitelist = append([]string(nil), DefaultWhitelist...)
	}
	if cfg.Admission.MaxDailyTransactions == 0 {
		cfg.Admission.MaxDailyTransactions = 50
	}
	if cfg.Admission.MaxDailyAmount == "" {
		cfg.Admission.MaxDailyAmount = "1000000"
	}
	if cfg.Admission.Compliance.AMLThreshold == "" {
		cfg.Admission.Compliance.AMLThreshold = "50000"
	}
	if cfg.Admission.Compliance.ReportingThreshold == "" {
		cfg.Admission.Compliance.ReportingThreshold = "100000"
	}
	fraud := &cfg.Admission.Fraud
	if fraud.HighThreshold == 0 {
		fraud.HighThreshold = 70
	}
	if fraud.MediumThreshold == 0 {
		fraud.MediumThreshold = 40
	}
	if fraud.AttemptWindow.Duration == 0 {
		fraud.AttemptWindow.Duration = time.Hour
	}
	if fraud.MaxCodeAttempts == 0 {
		fraud.MaxCodeAttempts = 3
	}
	if fraud.VelocityWindow.Duration == 0 {
		fraud.VelocityWindow.Duration = 5 * time.Minute
	}
	if fraud.VelocityLimit == 0 {
		fraud.VelocityLimit = 10
	}
	if cfg.Poller.Interval.Duration == 0 {
		cfg.Poller.Interval.Duration = 30 * time.Second
	}
	if cfg.Poller.OracleTimeout.Duration == 0 {
		cfg.Poller.OracleTimeout.Duration = 10 * time.Second
	}
	if cfg.Poller.BatchSize <= 0 {
		cfg.Poller.BatchSize = 500
	}
	if cfg.Oracle.Mode == "" {
		cfg.Oracle.Mode = "template"
	}
	if cfg.Oracle.NowPayments.Endpoint == "" {
		cfg.Oracle.NowPayments.Endpoint = "https://api.nowpayments.io"
	}
	if cfg.Oracle.NowPayments.Timeout.Duration == 0 {
		cfg.Oracle.NowPayments.Timeout.Duration = 10 * time.Second
	}
	if cfg.Oracle.Watcher.Timeout.Duration == 0 {
		cfg.Oracle.Watcher.Timeout.Duration = 10 * time.Second
	}
	if cfg.Messaging.Driver == "" {
		cfg.Messaging.Driver = "memory"
	}
	if cfg.Messaging.WaitTime.Duration == 0 {
		cfg.Messaging.WaitTime.Duration = 20 * time.Second
	}
	if cfg.Messaging.MaxMessages <= 0 {
		cfg.Messaging.MaxMessages = 10
	}
	if cfg.Audit.Buffer <= 0 {
		cfg.Audit.Buffer = 1024
	}
	if cfg.Auth.KioskClaim == "" {
		cfg.Auth.KioskClaim = "kiosk_id"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
}
