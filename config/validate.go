package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var knownSourceTypes = map[string]struct{}{
	"bitso":     {},
	"binance":   {},
	"coingecko": {},
	"static":    {},
}

// Validate checks cross-field consistency after defaults have been applied.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address required"))
	}
	if len(c.Assets) == 0 {
		errs = append(errs, errors.New("at least one asset required"))
	}
	if _, err := c.AssetSpecs(); err != nil {
		errs = append(errs, err)
	}
	for _, asset := range c.Assets {
		for _, src := range asset.Sources {
			if _, ok := knownSourceTypes[strings.ToLower(src.Type)]; !ok {
				errs = append(errs, fmt.Errorf("asset %s: unknown source type %q", asset.Symbol, src.Type))
			}
			if strings.EqualFold(src.Type, "static") && strings.TrimSpace(src.Price) == "" {
				errs = append(errs, fmt.Errorf("asset %s: static source %q requires price", asset.Symbol, src.Name))
			}
		}
	}
	if c.Orders.SessionTTL.Duration <= 0 || c.Orders.PurchaseTTL.Duration <= 0 {
		errs = append(errs, errors.New("orders: ttl must be positive"))
	}
	for scope, limit := range c.Admission.Limits {
		if limit.Rate <= 0 || limit.Per.Duration <= 0 {
			errs = append(errs, fmt.Errorf("admission: limit %q requires positive rate and per", scope))
		}
	}
	if _, err := c.Admission.Amounts(); err != nil {
		errs = append(errs, fmt.Errorf("admission: %w", err))
	}
	if c.Admission.MaxDailyTransactions < 0 {
		errs = append(errs, errors.New("admission: max_daily_transactions must not be negative"))
	}
	for _, entry := range c.Admission.Whitelist {
		if !validNetwork(entry) {
			errs = append(errs, fmt.Errorf("admission: invalid whitelist entry %q", entry))
		}
	}
	if c.Admission.Fraud.MediumThreshold > c.Admission.Fraud.HighThreshold {
		errs = append(errs, errors.New("admission: fraud medium threshold exceeds high threshold"))
	}
	if c.Poller.Interval.Duration <= 0 {
		errs = append(errs, errors.New("poller: interval must be positive"))
	}
	switch c.Oracle.Mode {
	case "template":
	case "nowpayments":
		if strings.TrimSpace(c.Oracle.NowPayments.APIKey) == "" {
			errs = append(errs, errors.New("oracle: nowpayments api key required"))
		}
	default:
		errs = append(errs, fmt.Errorf("oracle: unknown mode %q", c.Oracle.Mode))
	}
	switch c.Messaging.Driver {
	case "memory":
	case "sqs":
		if c.Messaging.OutboundQueueURL == "" {
			errs = append(errs, errors.New("messaging: sqs outbound queue url required"))
		}
	default:
		errs = append(errs, fmt.Errorf("messaging: unknown driver %q", c.Messaging.Driver))
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		errs = append(errs, errors.New("auth: hmac secret required when enabled"))
	}
	return errors.Join(errs...)
}

func validNetwork(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}
