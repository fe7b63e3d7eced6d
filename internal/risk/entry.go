package risk

import (
	"math"

	"perp-monitor/config"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/signal"
)

// OrderContracts sizes an entry: enough contracts for the minimum notional
// or the symbol's base amount, whichever is larger, times the multiplier.
// A base amount without decimals rounds the notional minimum up to whole
// contracts.
func OrderContracts(cfg *config.RiskConfig, sym config.SymbolConfig, inst binance.Instrument, price float64) float64 {
	if price <= 0 {
		return 0
	}
	contracts := math.Floor(cfg.Order.MinNotional/price*1e4) / 1e4
	if binance.Decimals(sym.BaseAmount) == 0 {
		contracts = math.Ceil(contracts)
	}
	if contracts < sym.BaseAmount {
		contracts = sym.BaseAmount
	}
	contracts *= cfg.Order.MultipleOrder

	if cfg.Order.MaxNotional > 0 && contracts*price > cfg.Order.MaxNotional {
		contracts = inst.FloorQty(cfg.Order.MaxNotional / price)
	}
	return inst.CeilQty(contracts)
}

// PlanEntry turns an enabled signal into an entry with its profit leg, or
// returns the reason no entry is placed this tick.
func (g *Guard) PlanEntry(snap *Snapshot, cfg *config.RiskConfig, sym config.SymbolConfig, a Assessment) (*EntryPlan, string) {
	sig := snap.Signal
	direction, enabled := sig.Direction, sig.Enabled
	if sym.Scalper {
		direction, enabled = sig.ScalperDirection, sig.ScalperEnabled
	}

	switch {
	case !a.EntryAllowed:
		return nil, a.EntryReason
	case direction == signal.None:
		return nil, "no signal"
	case !sym.AllowsSide(string(direction)):
		return nil, "side not allowed for symbol"
	}

	if !cfg.Hedge.Enabled {
		if open := snap.OneWayPosition(); open != "" && open != string(direction) {
			enabled = false
		}
	}
	if !enabled {
		return nil, "signal disabled"
	}
	if snap.Book.Empty() {
		return nil, "empty order book"
	}

	side := binance.ParseSide(string(direction))
	plan := g.price(snap, cfg, sym, side)
	if plan.Quantity <= 0 || !snap.Instrument.Tradable(plan.Quantity) {
		return nil, "entry size below minimum"
	}

	profit := EntryProfit(cfg, snap.Leverage)
	if !HasPriceOperation(cfg, snap.Ticker, side, plan.ProfitPrice, profit) {
		return nil, "profit price outside daily range"
	}

	if cfg.SafePosition {
		extreme := sig.WindowLow
		if side == binance.SideBuy {
			extreme = sig.WindowHigh
		}
		if math.Abs(Percentage(plan.ProfitPrice, extreme)) <= profit {
			return nil, "profit price too close to window extreme"
		}
	}

	if !sym.Scalper {
		if side == binance.SideBuy && plan.ProfitPrice <= plan.Price {
			return nil, "profit price not above entry"
		}
		if side == binance.SideSell && plan.ProfitPrice >= plan.Price {
			return nil, "profit price not below entry"
		}
	}

	if cfg.OrderReverse {
		plan.Reverse = g.price(snap, cfg, sym, side.Opposite())
	}
	return plan, ""
}

// price picks the resting entry price and the profit leg for side. The
// book level is used unless it equals the window extreme.
func (g *Guard) price(snap *Snapshot, cfg *config.RiskConfig, sym config.SymbolConfig, side binance.OrderSide) *EntryPlan {
	extreme := snap.Signal.WindowLow
	if side == binance.SideSell {
		extreme = snap.Signal.WindowHigh
	}
	price := extreme
	if book := snap.Book.Level(side, BookLevel); book != extreme {
		price = book
	}
	price = snap.Instrument.RoundPrice(price)

	lev := snap.Leverage
	profitPrice := PriceForProfit(side, price, TieredPercent(cfg.Gain, lev), lev)

	plan := &EntryPlan{
		Symbol:      snap.Symbol,
		Side:        side,
		Price:       price,
		Quantity:    OrderContracts(cfg, sym, snap.Instrument, price),
		ProfitPrice: snap.Instrument.RoundPrice(profitPrice),
		Scalper:     sym.Scalper,
	}
	if cfg.Hedge.Enabled {
		plan.PositionSide = binance.PositionSideLong
		if side == binance.SideSell {
			plan.PositionSide = binance.PositionSideShort
		}
	}
	return plan
}
