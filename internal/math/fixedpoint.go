package math

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines the fixed-point precision of an exchange-native integer:
// a raw value r represents r * 10^-DecimalPrecision.
type DecimalConfig struct {
	DecimalPrecision int32
}

// DivisionPlaces is the number of decimal places kept by divisions whose result
// is not exact (weighted prices, ratios, funding accruals).
const DivisionPlaces int32 = 18

// ToDecimal converts a base-unit integer to its decimal value. Exact.
func (c DecimalConfig) ToDecimal(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -c.DecimalPrecision)
}

// ParseRaw parses a base-unit integer given as a string ("1500000", "-20")
// and scales it. Non-integer input is rejected.
func (c DecimalConfig) ParseRaw(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("empty fixed-point value")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fixed-point value %q: %w", raw, err)
	}
	if !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("fixed-point value %q is not an integer", raw)
	}
	return d.Shift(-c.DecimalPrecision), nil
}

// FromDecimal converts a decimal back to base units. It fails instead of
// rounding when the value carries more precision than the config allows.
func (c DecimalConfig) FromDecimal(d decimal.Decimal) (*big.Int, error) {
	shifted := d.Shift(c.DecimalPrecision)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("value %s exceeds %d decimal places", d.String(), c.DecimalPrecision)
	}
	return shifted.BigInt(), nil
}

// MarketScale holds the fixed-point configs for one perpetual market.
type MarketScale struct {
	Size  DecimalConfig
	Price DecimalConfig
}

// ScaleBook resolves fixed-point configs per market and per asset.
// It is read-only after construction and safe for concurrent use.
type ScaleBook struct {
	markets    map[string]MarketScale
	assets     map[string]DecimalConfig
	quoteAsset string
}

// NewScaleBook builds a scale book. quoteAsset is the asset fees are charged in.
func NewScaleBook(quoteAsset string, markets map[string]MarketScale, assets map[string]DecimalConfig) *ScaleBook {
	sb := &ScaleBook{
		markets:    make(map[string]MarketScale, len(markets)),
		assets:     make(map[string]DecimalConfig, len(assets)),
		quoteAsset: quoteAsset,
	}
	for k, v := range markets {
		sb.markets[k] = v
	}
	for k, v := range assets {
		sb.assets[k] = v
	}
	return sb
}

// DefaultScaleBook covers the markets the service trades out of the box.
func DefaultScaleBook() *ScaleBook {
	return NewScaleBook("USDC",
		map[string]MarketScale{
			"BTC-USD": {Size: DecimalConfig{DecimalPrecision: 8}, Price: DecimalConfig{DecimalPrecision: 6}},
			"ETH-USD": {Size: DecimalConfig{DecimalPrecision: 8}, Price: DecimalConfig{DecimalPrecision: 6}},
			"SOL-USD": {Size: DecimalConfig{DecimalPrecision: 6}, Price: DecimalConfig{DecimalPrecision: 6}},
		},
		map[string]DecimalConfig{
			"USDC": {DecimalPrecision: 6},
		},
	)
}

// Market returns the scale for a market.
func (sb *ScaleBook) Market(market string) (MarketScale, bool) {
	ms, ok := sb.markets[market]
	return ms, ok
}

// Asset returns the scale for a collateral asset.
func (sb *ScaleBook) Asset(asset string) (DecimalConfig, bool) {
	c, ok := sb.assets[asset]
	return c, ok
}

// Quote returns the asset fees are denominated in and its scale.
func (sb *ScaleBook) Quote() (string, DecimalConfig) {
	return sb.quoteAsset, sb.assets[sb.quoteAsset]
}

// Markets lists configured markets in sorted order.
func (sb *ScaleBook) Markets() []string {
	out := make([]string, 0, len(sb.markets))
	for m := range sb.markets {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
