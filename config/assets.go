package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kioskexchange/exchange"
)

// AssetSpecs converts the asset table into validated trading policies.
func (c Config) AssetSpecs() ([]exchange.AssetSpec, error) {
	specs := make([]exchange.AssetSpec, 0, len(c.Assets))
	seen := make(map[exchange.Asset]struct{}, len(c.Assets))
	for _, raw := range c.Assets {
		spec, err := raw.spec()
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", raw.Symbol, err)
		}
		if _, dup := seen[spec.Asset]; dup {
			return nil, fmt.Errorf("asset %s: configured twice", spec.Asset)
		}
		seen[spec.Asset] = struct{}{}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (a AssetConfig) spec() (exchange.AssetSpec, error) {
	asset, err := exchange.ParseAsset(a.Symbol)
	if err != nil {
		return exchange.AssetSpec{}, err
	}
	network, err := parseNetwork(a.Network)
	if err != nil {
		return exchange.AssetSpec{}, err
	}
	if a.Decimals < 0 || a.Decimals > 18 {
		return exchange.AssetSpec{}, fmt.Errorf("decimals %d out of range", a.Decimals)
	}
	values := map[string]decimal.Decimal{}
	for name, text := range map[string]string{
		"min_fiat":         a.MinFiat,
		"max_fiat":         a.MaxFiat,
		"increment":        a.Increment,
		"sell_fee_percent": a.SellFeePercent,
		"buy_fee_percent":  a.BuyFeePercent,
		"fallback_price":   a.FallbackPrice,
	} {
		parsed, err := decimal.NewFromString(strings.TrimSpace(text))
		if err != nil {
			return exchange.AssetSpec{}, fmt.Errorf("%s: %w", name, err)
		}
		values[name] = parsed
	}
	spec := exchange.AssetSpec{
		Asset:           asset,
		Network:         network,
		Decimals:        a.Decimals,
		MinFiat:         values["min_fiat"],
		MaxFiat:         values["max_fiat"],
		Increment:       values["increment"],
		SellFeePercent:  values["sell_fee_percent"],
		BuyFeePercent:   values["buy_fee_percent"],
		FallbackPrice:   values["fallback_price"],
		InvoiceTemplate: a.InvoiceTemplate,
	}
	hundred := decimal.NewFromInt(100)
	switch {
	case !spec.MinFiat.IsPositive():
		return spec, fmt.Errorf("min_fiat must be positive")
	case spec.MaxFiat.LessThan(spec.MinFiat):
		return spec, fmt.Errorf("max_fiat below min_fiat")
	case !spec.Increment.IsPositive():
		return spec, fmt.Errorf("increment must be positive")
	case !spec.OnIncrement(spec.MinFiat) || !spec.OnIncrement(spec.MaxFiat):
		return spec, fmt.Errorf("min_fiat and max_fiat must be multiples of increment")
	case spec.BuyFeePercent.IsNegative() || spec.SellFeePercent.GreaterThanOrEqual(hundred):
		return spec, fmt.Errorf("fees must be within [0, 100)")
	case !spec.SellFeePercent.GreaterThan(spec.BuyFeePercent):
		return spec, fmt.Errorf("sell fee %s%% must exceed buy fee %s%%", spec.SellFeePercent, spec.BuyFeePercent)
	case !spec.FallbackPrice.IsPositive():
		return spec, fmt.Errorf("fallback_price must be positive")
	}
	return spec, nil
}

func parseNetwork(raw string) (exchange.Network, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "lightning":
		return exchange.NetworkLightning, nil
	case "bitcoin", "onchain":
		return exchange.NetworkBitcoin, nil
	case "trc20":
		return exchange.NetworkTRC20, nil
	}
	return "", fmt.Errorf("unknown network %q", raw)
}

// AdmissionAmounts is the decimal form of the admission money settings.
type AdmissionAmounts struct {
	MaxDaily  decimal.Decimal
	AML       decimal.Decimal
	Reporting decimal.Decimal
}

// Amounts parses the daily cap and compliance thresholds. Zero disables each.
func (a AdmissionConfig) Amounts() (AdmissionAmounts, error) {
	var out AdmissionAmounts
	fields := []struct {
		name string
		text string
		dst  *decimal.Decimal
	}{
		{"max_daily_amount", a.MaxDailyAmount, &out.MaxDaily},
		{"compliance.aml_threshold", a.Compliance.AMLThreshold, &out.AML},
		{"compliance.reporting_threshold", a.Compliance.ReportingThreshold, &out.Reporting},
	}
	for _, f := range fields {
		text := strings.TrimSpace(f.text)
		if text == "" {
			*f.dst = decimal.Zero
			continue
		}
		parsed, err := decimal.NewFromString(text)
		if err != nil {
			return out, fmt.Errorf("%s: %w", f.name, err)
		}
		if parsed.IsNegative() {
			return out, fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = parsed
	}
	return out, nil
}
