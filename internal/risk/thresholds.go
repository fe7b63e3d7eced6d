// Package risk decides, from one tick's snapshot, what must happen to each
// open position and whether a new entry may be placed.
package risk

import (
	"math"

	"perp-monitor/config"
	"perp-monitor/internal/binance"

	"github.com/shopspring/decimal"
)

// LeverageTiers are the breakpoints at which the additional gain/loss
// percentage is added once more.
var LeverageTiers = []int{50, 75, 100, 125}

// TieredPercent returns Base plus Additional for every tier reached by leverage
func TieredPercent(c config.GainLossConfig, leverage int) float64 {
	pct := decimal.NewFromFloat(c.Base)
	add := decimal.NewFromFloat(c.Additional)
	for _, tier := range LeverageTiers {
		if leverage >= tier {
			pct = pct.Add(add)
		}
	}
	return pct.InexactFloat64()
}

// CalcPercentage returns percentage% of value
func CalcPercentage(value, percentage float64) float64 {
	return decimal.NewFromFloat(value).
		Mul(decimal.NewFromFloat(percentage)).
		Div(decimal.NewFromInt(100)).
		Round(8).
		InexactFloat64()
}

// Percentage is the signed distance of b from a, in percent of a
func Percentage(a, b float64) float64 {
	if a == 0 {
		return 0
	}
	da := decimal.NewFromFloat(a)
	return da.Sub(decimal.NewFromFloat(b)).Div(da).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// PriceForProfit offsets price by pct/leverage percent in the direction
// that realizes a profit for an entry on side.
func PriceForProfit(side binance.OrderSide, price, pct float64, leverage int) float64 {
	if leverage <= 0 {
		return price
	}
	margin := CalcPercentage(price, pct/float64(leverage))
	if side == binance.SideSell {
		return price - margin
	}
	return price + margin
}

// Thresholds are the gain/loss levels of one position
type Thresholds struct {
	GainPercent float64 // tiered, in margin terms
	LossPercent float64
	Profit      float64 // GainPercent / leverage: the price move that realizes it
	PriceGain   float64
	PriceLoss   float64
	GainAmount  float64 // USDT at the gain threshold
	LossAmount  float64 // USDT at the loss threshold
	Margin      float64
}

// ComputeThresholds derives the gain and loss levels of pos
func ComputeThresholds(cfg *config.RiskConfig, pos binance.FuturesPosition) Thresholds {
	lev := pos.Leverage
	if lev <= 0 {
		lev = 1
	}

	t := Thresholds{
		GainPercent: TieredPercent(cfg.Gain, lev),
		LossPercent: TieredPercent(cfg.Loss, lev),
		Margin:      pos.Margin(),
	}
	t.Profit = t.GainPercent / float64(lev)
	diffGain := CalcPercentage(pos.EntryPrice, t.Profit)
	diffLoss := CalcPercentage(pos.EntryPrice, t.LossPercent/float64(lev))
	t.GainAmount = CalcPercentage(t.Margin, t.GainPercent)
	t.LossAmount = CalcPercentage(t.Margin, t.LossPercent)

	if pos.Side() == "sell" {
		t.PriceGain = pos.EntryPrice - diffGain
		t.PriceLoss = pos.EntryPrice + diffLoss
	} else {
		t.PriceGain = pos.EntryPrice + diffGain
		t.PriceLoss = pos.EntryPrice - diffLoss
	}
	return t
}

// GainCrossed reports whether mark is past the gain level for the position side
func (t Thresholds) GainCrossed(side string, mark float64) bool {
	if side == "sell" {
		return mark < t.PriceGain
	}
	return mark > t.PriceGain
}

// LossCrossed reports whether mark is past the loss level for the position side
func (t Thresholds) LossCrossed(side string, mark float64) bool {
	if side == "sell" {
		return mark > t.PriceLoss
	}
	return mark < t.PriceLoss
}

// MarginCap is the per-symbol margin ceiling: marginSymbol% of the wallet
// clamped into [min, max]. Without a wallet balance the floor applies.
func MarginCap(cfg *config.RiskConfig, wallet float64) float64 {
	limit := cfg.MarginIndividualMin
	if wallet <= 0 {
		return limit
	}
	calc := CalcPercentage(wallet, cfg.MarginSymbol)
	if calc > limit {
		limit = math.Min(calc, cfg.MarginIndividualMax)
	}
	return limit
}

// Midpoint is the price halfway between entry and mark, rounded to the tick
func Midpoint(inst binance.Instrument, entry, mark float64) float64 {
	mid := decimal.NewFromFloat(entry).Add(decimal.NewFromFloat(mark)).Div(decimal.NewFromInt(2))
	return inst.RoundPrice(mid.InexactFloat64())
}
