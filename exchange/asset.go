// Package exchange holds the kiosk order model shared by the quote engine,
// admission control, the lifecycle state machines and the order store.
package exchange

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Asset is one of the crypto assets a kiosk trades.
type Asset string

const (
	AssetBTC  Asset = "BTC"
	AssetUSDT Asset = "USDT"
)

// ParseAsset normalises a ticker and rejects anything outside the closed set.
func ParseAsset(raw string) (Asset, error) {
	switch Asset(strings.ToUpper(strings.TrimSpace(raw))) {
	case AssetBTC:
		return AssetBTC, nil
	case AssetUSDT:
		return AssetUSDT, nil
	}
	return "", &ValidationError{Field: "asset", Kind: ErrUnsupportedAsset, Detail: fmt.Sprintf("%q is not traded", raw)}
}

// Network labels the settlement rail for an asset.
type Network string

const (
	NetworkLightning Network = "Lightning"
	NetworkBitcoin   Network = "Bitcoin"
	NetworkTRC20     Network = "TRC20"
)

// Direction selects which side of the trade absorbs the fee.
type Direction string

const (
	// DirectionSell is the customer selling crypto for fiat (a Session).
	DirectionSell Direction = "sell"
	// DirectionBuy is the customer buying crypto with fiat (a Purchase).
	DirectionBuy Direction = "buy"
)

// ParseDirection validates a direction literal.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case DirectionSell:
		return DirectionSell, nil
	case DirectionBuy:
		return DirectionBuy, nil
	}
	return "", &ValidationError{Field: "direction", Kind: ErrValidation, Detail: fmt.Sprintf("unknown direction %q", raw)}
}

// AssetSpec is the per-asset trading policy. Fees are percentages, so 10 means 10%.
type AssetSpec struct {
	Asset           Asset
	Network         Network
	Decimals        int32
	MinFiat         decimal.Decimal
	MaxFiat         decimal.Decimal
	Increment       decimal.Decimal
	SellFeePercent  decimal.Decimal
	BuyFeePercent   decimal.Decimal
	FallbackPrice   decimal.Decimal
	InvoiceTemplate string
}

// FeePercent returns the fee percentage charged for the direction.
func (s AssetSpec) FeePercent(dir Direction) decimal.Decimal {
	if dir == DirectionBuy {
		return s.BuyFeePercent
	}
	return s.SellFeePercent
}

// CheckAmount enforces the [min,max] window and the minimum increment.
func (s AssetSpec) CheckAmount(fiat decimal.Decimal) error {
	if !fiat.IsPositive() {
		return &ValidationError{Field: "fiat_amount", Kind: ErrAmountOutOfBounds, Detail: "amount must be positive"}
	}
	if fiat.LessThan(s.MinFiat) || fiat.GreaterThan(s.MaxFiat) {
		return &ValidationError{
			Field:  "fiat_amount",
			Kind:   ErrAmountOutOfBounds,
			Detail: fmt.Sprintf("%s outside [%s, %s] for %s", fiat, s.MinFiat, s.MaxFiat, s.Asset),
		}
	}
	if !s.OnIncrement(fiat) {
		return &ValidationError{
			Field:  "fiat_amount",
			Kind:   ErrInvalidIncrement,
			Detail: fmt.Sprintf("%s is not a multiple of %s", fiat, s.Increment),
		}
	}
	return nil
}

// OnIncrement reports whether fiat is a whole multiple of the asset increment.
func (s AssetSpec) OnIncrement(fiat decimal.Decimal) bool {
	if !s.Increment.IsPositive() {
		return true
	}
	return fiat.Mod(s.Increment).IsZero()
}

// Catalog is the configured set of tradeable assets.
type Catalog struct {
	specs map[Asset]AssetSpec
}

// NewCatalog indexes the supplied specs by asset.
func NewCatalog(specs ...AssetSpec) *Catalog {
	c := &Catalog{specs: make(map[Asset]AssetSpec, len(specs))}
	for _, spec := range specs {
		c.specs[spec.Asset] = spec
	}
	return c
}

// Lookup returns the spec for an asset or an UnsupportedAsset validation error.
func (c *Catalog) Lookup(asset Asset) (AssetSpec, error) {
	if c != nil {
		if spec, ok := c.specs[asset]; ok {
			return spec, nil
		}
	}
	return AssetSpec{}, &ValidationError{Field: "asset", Kind: ErrUnsupportedAsset, Detail: fmt.Sprintf("%q is not configured", asset)}
}

// Assets lists the configured assets in stable order.
func (c *Catalog) Assets() []Asset {
	if c == nil {
		return nil
	}
	out := make([]Asset, 0, len(c.specs))
	for asset := range c.specs {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clock abstracts wall time so expiration can be driven deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the UTC wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
