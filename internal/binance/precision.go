package binance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Instrument carries the trading rules needed to round prices and sizes
type Instrument struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// InstrumentFromInfo extracts PRICE_FILTER, LOT_SIZE and MIN_NOTIONAL
func InstrumentFromInfo(info FuturesSymbolInfo) (Instrument, error) {
	inst := Instrument{Symbol: info.Symbol}
	for _, f := range info.Filters {
		var err error
		switch f.FilterType {
		case "PRICE_FILTER":
			inst.TickSize, err = decimal.NewFromString(f.TickSize)
		case "LOT_SIZE":
			if inst.StepSize, err = decimal.NewFromString(f.StepSize); err == nil {
				inst.MinQty, err = decimal.NewFromString(f.MinQty)
			}
		case "MIN_NOTIONAL":
			if f.Notional != "" {
				inst.MinNotional, err = decimal.NewFromString(f.Notional)
			}
		}
		if err != nil {
			return Instrument{}, fmt.Errorf("parsing %s filter for %s: %w", f.FilterType, info.Symbol, err)
		}
	}

	if inst.TickSize.IsZero() {
		inst.TickSize = decimal.New(1, int32(-info.PricePrecision))
	}
	if inst.StepSize.IsZero() {
		inst.StepSize = decimal.New(1, int32(-info.QuantityPrecision))
	}
	return inst, nil
}

// RoundPrice rounds to the nearest tick
func (i Instrument) RoundPrice(price float64) float64 {
	if i.TickSize.IsZero() {
		return price
	}
	p := decimal.NewFromFloat(price)
	return p.Div(i.TickSize).Round(0).Mul(i.TickSize).InexactFloat64()
}

// FloorQty rounds a size down to the lot step
func (i Instrument) FloorQty(qty float64) float64 {
	return i.floor(decimal.NewFromFloat(qty)).InexactFloat64()
}

// CeilQty rounds a size up to the lot step
func (i Instrument) CeilQty(qty float64) float64 {
	if i.StepSize.IsZero() {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	return q.Div(i.StepSize).Ceil().Mul(i.StepSize).InexactFloat64()
}

// Tradable reports whether qty meets the minimum order quantity
func (i Instrument) Tradable(qty float64) bool {
	return qty > 0 && decimal.NewFromFloat(qty).GreaterThanOrEqual(i.MinQty)
}

// PartialClose sizes a close of percent% of amount. The result is a lot
// multiple and never leaves a non-zero remainder below MinQty: when the
// remainder would be untradable the whole amount is closed instead. A
// percent outside (0, 100) closes the whole position.
func (i Instrument) PartialClose(amount, percent float64) float64 {
	total := decimal.NewFromFloat(amount)
	if percent <= 0 || percent >= 100 {
		return amount
	}

	q := i.floor(total.Mul(decimal.NewFromFloat(percent)).Div(decimal.NewFromInt(100)))
	if q.LessThan(i.MinQty) {
		q = i.MinQty
	}
	if q.GreaterThanOrEqual(total) {
		return total.InexactFloat64()
	}

	rest := total.Sub(q)
	if rest.IsPositive() && rest.LessThan(i.MinQty) {
		return total.InexactFloat64()
	}
	return q.InexactFloat64()
}

func (i Instrument) floor(q decimal.Decimal) decimal.Decimal {
	if i.StepSize.IsZero() {
		return q
	}
	return q.Div(i.StepSize).Floor().Mul(i.StepSize)
}

// Decimals reports how many fractional digits a value's string form carries
func Decimals(v float64) int32 {
	d := decimal.NewFromFloat(v)
	if d.Exponent() >= 0 {
		return 0
	}
	return -d.Exponent()
}
