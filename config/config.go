// Package config loads the kioskd runtime configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so configuration files can use strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for kioskd.
type Config struct {
	Service   string          `yaml:"service" toml:"service"`
	Env       string          `yaml:"env" toml:"env"`
	Site      string          `yaml:"site" toml:"site"`
	Listen    string          `yaml:"listen" toml:"listen"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Assets    []AssetConfig   `yaml:"assets" toml:"assets"`
	Orders    OrdersConfig    `yaml:"orders" toml:"orders"`
	Quote     QuoteConfig     `yaml:"quote" toml:"quote"`
	Admission AdmissionConfig `yaml:"admission" toml:"admission"`
	Poller    PollerConfig    `yaml:"poller" toml:"poller"`
	Oracle    OracleConfig    `yaml:"oracle" toml:"oracle"`
	Messaging MessagingConfig `yaml:"messaging" toml:"messaging"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
}

// LoggingConfig selects level and optional rotated file output.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// DatabaseConfig points at the order store. DSNs starting with postgres:// or
// postgresql:// use Postgres, anything else is treated as a SQLite path or URI.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate" toml:"auto_migrate"`
}

// AssetConfig is the trading policy for one asset. Monetary values are
// decimal strings so no precision is lost in parsing.
type AssetConfig struct {
	Symbol          string         `yaml:"symbol" toml:"symbol"`
	Network         string         `yaml:"network" toml:"network"`
	Decimals        int32          `yaml:"decimals" toml:"decimals"`
	MinFiat         string         `yaml:"min_fiat" toml:"min_fiat"`
	MaxFiat         string         `yaml:"max_fiat" toml:"max_fiat"`
	Increment       string         `yaml:"increment" toml:"increment"`
	SellFeePercent  string         `yaml:"sell_fee_percent" toml:"sell_fee_percent"`
	BuyFeePercent   string         `yaml:"buy_fee_percent" toml:"buy_fee_percent"`
	FallbackPrice   string         `yaml:"fallback_price" toml:"fallback_price"`
	InvoiceTemplate string         `yaml:"invoice_template" toml:"invoice_template"`
	Sources         []SourceConfig `yaml:"sources" toml:"sources"`
}

// SourceConfig describes one upstream price feed for an asset.
type SourceConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Type     string `yaml:"type" toml:"type"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	// Symbol is the upstream book, pair or coin id, depending on Type.
	Symbol string `yaml:"symbol" toml:"symbol"`
	// Factor multiplies the upstream price, e.g. to convert USD into ARS.
	Factor        string  `yaml:"factor" toml:"factor"`
	Price         string  `yaml:"price" toml:"price"`
	APIKey        string  `yaml:"api_key" toml:"api_key"`
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

// OrdersConfig holds the per-flow TTLs.
type OrdersConfig struct {
	SessionTTL   Duration `yaml:"session_ttl" toml:"session_ttl"`
	PurchaseTTL  Duration `yaml:"purchase_ttl" toml:"purchase_ttl"`
	CodeAttempts int      `yaml:"code_attempts" toml:"code_attempts"`
}

// QuoteConfig tunes upstream price lookups.
type QuoteConfig struct {
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
	CacheTTL Duration `yaml:"cache_ttl" toml:"cache_ttl"`
}

// LimitConfig is a sliding-window budget: at most Rate requests per Per.
type LimitConfig struct {
	Rate int      `yaml:"rate" toml:"rate"`
	Per  Duration `yaml:"per" toml:"per"`
}

// FraudConfig tunes the heuristic scorer.
type FraudConfig struct {
	HighThreshold     int      `yaml:"high_threshold" toml:"high_threshold"`
	MediumThreshold   int      `yaml:"medium_threshold" toml:"medium_threshold"`
	AttemptWindow     Duration `yaml:"attempt_window" toml:"attempt_window"`
	MaxCodeAttempts   int      `yaml:"max_code_attempts" toml:"max_code_attempts"`
	VelocityWindow    Duration `yaml:"velocity_window" toml:"velocity_window"`
	VelocityLimit     int      `yaml:"velocity_limit" toml:"velocity_limit"`
	FlaggedIdentities []string `yaml:"flagged_identities" toml:"flagged_identities"`
}

// AdmissionConfig groups limiter and fraud settings.
type AdmissionConfig struct {
	// StorePath is the LevelDB directory for limiter windows. Empty keeps
	// windows in process memory only.
	StorePath     string                 `yaml:"store_path" toml:"store_path"`
	SweepInterval Duration               `yaml:"sweep_interval" toml:"sweep_interval"`
	Limits        map[string]LimitConfig `yaml:"limits" toml:"limits"`
	Fraud         FraudConfig            `yaml:"fraud" toml:"fraud"`

	// Whitelist lists IPs and CIDR blocks exempt from per-identity limits.
	Whitelist []string `yaml:"rate_limit_whitelist" toml:"rate_limit_whitelist"`

	MaxDailyTransactions int        `yaml:"max_daily_transactions" toml:"max_daily_transactions"`
	MaxDailyAmount       string     `yaml:"max_daily_amount" toml:"max_daily_amount"`
	Compliance           Compliance `yaml:"compliance" toml:"compliance"`
}

// Compliance holds the fiat amounts above which new orders are marked for
// review.
type Compliance struct {
	AMLThreshold       string `yaml:"aml_threshold" toml:"aml_threshold"`
	ReportingThreshold string `yaml:"reporting_threshold" toml:"reporting_threshold"`
}

// PollerConfig tunes the settlement sweep.
type PollerConfig struct {
	Interval      Duration `yaml:"interval" toml:"interval"`
	OracleTimeout Duration `yaml:"oracle_timeout" toml:"oracle_timeout"`
	BatchSize     int      `yaml:"batch_size" toml:"batch_size"`
	Disabled      bool     `yaml:"disabled" toml:"disabled"`
}

// OracleConfig selects the settlement and receive oracle integrations.
type OracleConfig struct {
	// Mode is "template" (invoices rendered locally, settlement pushed by
	// webhook) or "nowpayments".
	Mode          string            `yaml:"mode" toml:"mode"`
	WebhookSecret string            `yaml:"webhook_secret" toml:"webhook_secret"`
	NowPayments   NowPaymentsConfig `yaml:"nowpayments" toml:"nowpayments"`
	Watcher       WatcherConfig     `yaml:"watcher" toml:"watcher"`
}

// NowPaymentsConfig configures the hosted invoice provider.
type NowPaymentsConfig struct {
	Endpoint    string   `yaml:"endpoint" toml:"endpoint"`
	APIKey      string   `yaml:"api_key" toml:"api_key"`
	CallbackURL string   `yaml:"callback_url" toml:"callback_url"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
}

// WatcherConfig configures the ledger watcher used as receive oracle.
type WatcherConfig struct {
	Endpoint string   `yaml:"endpoint" toml:"endpoint"`
	APIKey   string   `yaml:"api_key" toml:"api_key"`
	Timeout  Duration `yaml:"timeout" toml:"timeout"`
}

// MessagingConfig selects the transport for address requests and callbacks.
type MessagingConfig struct {
	// Driver is "memory" or "sqs".
	Driver           string   `yaml:"driver" toml:"driver"`
	Region           string   `yaml:"region" toml:"region"`
	Endpoint         string   `yaml:"endpoint" toml:"endpoint"`
	OutboundQueueURL string   `yaml:"outbound_queue_url" toml:"outbound_queue_url"`
	InboundQueueURL  string   `yaml:"inbound_queue_url" toml:"inbound_queue_url"`
	WaitTime         Duration `yaml:"wait_time" toml:"wait_time"`
	MaxMessages      int32    `yaml:"max_messages" toml:"max_messages"`
}

// AuditConfig sizes the non-blocking audit pipeline.
type AuditConfig struct {
	Buffer  int  `yaml:"buffer" toml:"buffer"`
	Persist bool `yaml:"persist" toml:"persist"`
}

// AuthConfig configures kiosk bearer-token authentication.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled" toml:"enabled"`
	HMACSecret string   `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	KioskClaim string   `yaml:"kiosk_claim" toml:"kiosk_claim"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// local runs without a file.
func Default() Config {
	cfg := Config{}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("KIOSK_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("KIOSK_JWT_SECRET")); v != "" {
		cfg.Auth.HMACSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("KIOSK_WEBHOOK_SECRET")); v != "" {
		cfg.Oracle.WebhookSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("KIOSK_NOWPAYMENTS_API_KEY")); v != "" {
		cfg.Oracle.NowPayments.APIKey = v
	}
}
