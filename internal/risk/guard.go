package risk

import (
	"math"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/signal"
)

// Guard evaluates positions against the risk configuration. It performs
// no I/O: everything it needs is in the Snapshot.
type Guard struct {
	logger *logging.Logger
}

// NewGuard creates a guard
func NewGuard(logger *logging.Logger) *Guard {
	return &Guard{logger: logger.WithComponent("risk-guard")}
}

// AccountCheck applies the account-wide circuit breakers. They gate new
// entries only; position management continues.
func AccountCheck(cfg *config.RiskConfig, acct binance.FuturesAccountInfo, pnlHour float64) (bool, string) {
	if cfg.DisableOperations {
		return false, "operations disabled"
	}
	if acct.TotalMaintMargin >= CalcPercentage(acct.TotalMarginBalance, cfg.MarginAccount) {
		return false, "maximum margin used [account]"
	}
	if math.Abs(pnlHour) >= cfg.PnlHour {
		return false, "maximum pnl per hour"
	}
	return true, ""
}

// HasPriceOperation validates price against the day's range: it must not
// sit within profit*multiplePercentGain percent of the high or the low,
// and the day's move towards side's extreme must stay under
// priceChangePercent.
func HasPriceOperation(cfg *config.RiskConfig, t binance.Futures24hrTicker, side binance.OrderSide, price, profit float64) bool {
	if t.LastPrice <= 0 || price <= 0 {
		return false
	}
	band := profit * cfg.MultiplePercentGain
	if math.Abs(Percentage(price, t.HighPrice)) <= band {
		return false
	}
	if math.Abs(Percentage(price, t.LowPrice)) <= band {
		return false
	}

	extreme := t.LowPrice
	if side == binance.SideBuy {
		extreme = t.HighPrice
	}
	return math.Abs(Percentage(t.LastPrice, extreme)) < cfg.PriceChangePercent
}

// EntryProfit is the price move, in percent, that realizes the gain
// threshold at the configured leverage
func EntryProfit(cfg *config.RiskConfig, leverage int) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return TieredPercent(cfg.Gain, leverage) / float64(leverage)
}

// Assess evaluates every position row of the snapshot and decides whether
// a new entry may proceed.
func (g *Guard) Assess(snap *Snapshot, cfg *config.RiskConfig) Assessment {
	a := Assessment{
		MarginCap:      MarginCap(cfg, snap.Account.TotalWalletBalance),
		MaxMarginUsed:  make(map[binance.PositionSide]bool),
		LossInProgress: make(map[binance.PositionSide]bool),
	}
	a.Operations, a.EntryReason = AccountCheck(cfg, snap.Account, snap.PnlHour)

	rows := make([]binance.FuturesPosition, 0, len(snap.Positions))
	for _, pos := range snap.Positions {
		if cfg.Hedge.Enabled && pos.PositionSide == binance.PositionSideBoth {
			continue
		}
		rows = append(rows, pos)
		if pos.Amount() > 0 && pos.Margin() >= a.MarginCap {
			a.MaxMarginUsed[pos.PositionSide] = true
		}
	}

	entryBlocked := ""
	for _, pos := range rows {
		d := g.evaluate(snap, cfg, pos, a)
		if d.LossInProgress {
			a.LossInProgress[pos.PositionSide] = true
		}
		if len(d.Actions) > 0 || d.BlockEntries {
			entryBlocked = d.Reason
			g.logger.WithFields(map[string]interface{}{
				"symbol":        snap.Symbol,
				"position_side": string(pos.PositionSide),
				"mark":          pos.MarkPrice,
				"entry":         pos.EntryPrice,
				"upnl":          pos.UnrealizedProfit,
				"price_gain":    d.Thresholds.PriceGain,
				"price_loss":    d.Thresholds.PriceLoss,
				"actions":       len(d.Actions),
			}).Info("%s", d.Reason)
		}
		a.Decisions = append(a.Decisions, d)
	}

	a.EntryAllowed = a.Operations
	switch {
	case !a.Operations:
	case entryBlocked != "":
		a.EntryAllowed, a.EntryReason = false, entryBlocked
	case g.marginBlocksEntry(snap, cfg, a):
		a.EntryAllowed, a.EntryReason = false, "maximum margin used [symbol]"
	case snap.EntryOrders() >= cfg.MaxOrders:
		a.EntryAllowed, a.EntryReason = false, "maximum open orders [symbol]"
	case cfg.MaxOrdersAccount > 0 && snap.AccountOpenOrders >= cfg.MaxOrdersAccount:
		a.EntryAllowed, a.EntryReason = false, "maximum open orders [account]"
	}
	return a
}

// marginBlocksEntry: one-way mode stops at any row over the cap, hedge
// mode only on the side the signal would add to
func (g *Guard) marginBlocksEntry(snap *Snapshot, cfg *config.RiskConfig, a Assessment) bool {
	if !cfg.Hedge.Enabled {
		return len(a.MaxMarginUsed) > 0
	}
	switch snap.Signal.Direction {
	case signal.Buy:
		return a.MaxMarginUsed[binance.PositionSideLong]
	case signal.Sell:
		return a.MaxMarginUsed[binance.PositionSideShort]
	}
	return false
}

// evaluate runs the per-position decision order: abrupt gain, take
// profit, stop loss, then the catastrophic-loss gate.
func (g *Guard) evaluate(snap *Snapshot, cfg *config.RiskConfig, pos binance.FuturesPosition, a Assessment) Decision {
	d := Decision{Position: pos, Thresholds: ComputeThresholds(cfg, pos)}
	side := pos.Side()
	if side == "" {
		return d
	}

	c := sideContext{
		snap:      snap,
		cfg:       cfg,
		pos:       pos,
		th:        d.Thresholds,
		side:      side,
		closeSide: CloseSide(pos),
		cap:       a.MarginCap,
		profit:    EntryProfit(cfg, snap.Leverage),
		maxMargin: a.MaxMarginUsed,
	}
	if cfg.Hedge.Enabled {
		c.hedgeSide = HedgeSide(pos)
		c.hedge, c.hasHedge = snap.PositionBySide(c.hedgeSide)
	}

	upnl := pos.UnrealizedProfit
	if cfg.AbruptGainAmount > 0 && upnl >= cfg.AbruptGainAmount {
		d.Reason = "abrupt gain"
		d.Actions = append(d.Actions, c.closeAction(ActionAbruptClose, pos.Amount(), 0, true, d.Reason))
		return d
	}

	if upnl > 0 {
		c.takeProfit(&d)
		return d
	}

	if upnl < 0 {
		lossCrossed := d.Thresholds.LossCrossed(side, pos.MarkPrice)
		early := snap.Signal.StopViaSMA && string(snap.Signal.Trend) == lowerSide(c.closeSide)
		if lossCrossed || early {
			d.LossInProgress = true
			c.stopLoss(&d, early && !lossCrossed)
			if len(d.Actions) > 0 {
				return d
			}
		}

		if !cfg.Hedge.Enabled && !cfg.CloseLossPosition {
			loss := d.Thresholds.LossAmount
			if (upnl <= -loss && upnl >= -3*loss) || upnl <= -6*loss {
				d.BlockEntries = true
				d.Reason = "loss limit on the position"
			}
		}
	}
	return d
}

// sideContext is populated once per position row and threaded through the
// take-profit and stop-loss steps
type sideContext struct {
	snap      *Snapshot
	cfg       *config.RiskConfig
	pos       binance.FuturesPosition
	th        Thresholds
	side      string
	closeSide binance.OrderSide
	hedgeSide binance.PositionSide
	hedge     binance.FuturesPosition
	hasHedge  bool
	cap       float64
	profit    float64
	maxMargin map[binance.PositionSide]bool
}

func (c *sideContext) takeProfit(d *Decision) {
	upnl := c.pos.UnrealizedProfit
	gainCrossed := c.th.GainCrossed(c.side, c.pos.MarkPrice)

	armed := gainCrossed
	if !armed && c.cfg.ProtectPercent > 0 && upnl >= CalcPercentage(c.th.GainAmount, c.cfg.ProtectPercent) {
		armed = true
	}
	if !armed && c.cfg.ProtectAmount > 0 && upnl >= c.cfg.ProtectAmount {
		armed = true
	}
	if !armed {
		return
	}

	stop := Midpoint(c.snap.Instrument, c.pos.EntryPrice, c.pos.MarkPrice)
	protect := c.closeAction(ActionProtectStop, c.pos.Amount(), 0, false, "protect gain")
	protect.StopPrice = stop
	d.Actions = append(d.Actions, protect)
	d.Reason = "protect gain"

	if !gainCrossed {
		return
	}
	d.Reason = "gain"

	if !c.cfg.Hedge.Soft && c.hasHedge && upnl < math.Abs(c.hedge.UnrealizedProfit) {
		d.Reason = "gain below hedge loss"
		return
	}
	if upnl < c.cfg.MinProfitAmount {
		d.Reason = "gain below minimum realizable"
		return
	}

	qty := c.snap.Instrument.PartialClose(c.pos.Amount(), c.cfg.PartialClosePercent)
	if !HasPriceOperation(c.cfg, c.snap.Ticker, binance.ParseSide(c.side), c.th.PriceGain, c.profit) {
		trailing := c.closeAction(ActionTrailingStop, qty, 0, false, "surfing the trend")
		trailing.CallbackRate = CallbackRate(c.th.Profit)
		d.Actions = append(d.Actions, trailing)
		d.Reason = "surfing the trend"
		return
	}

	price := c.snap.Instrument.RoundPrice(c.snap.Book.Touch(c.closeSide))
	d.Actions = append(d.Actions, c.closeAction(ActionClose, qty, price, false, "take profit"))
}

func (c *sideContext) stopLoss(d *Decision, early bool) {
	d.Reason = "loss"
	if early {
		d.Reason = "stop via sma"
	}
	amount := c.pos.Amount()

	if c.cfg.CloseLossPosition {
		d.Actions = append(d.Actions, c.closeAction(ActionForceClose, amount, 0, true, d.Reason))
		return
	}
	if c.cfg.Hedge.SafetyMargin > 0 && c.th.Margin >= CalcPercentage(c.cap, c.cfg.Hedge.SafetyMargin) {
		d.Reason = "safety margin breached"
		d.Actions = append(d.Actions, c.closeAction(ActionForceClose, amount, 0, true, d.Reason))
		return
	}

	hedgeDir := c.closeSide
	if !c.cfg.Hedge.Soft {
		if !c.cfg.Hedge.Enabled {
			d.Actions = append(d.Actions, c.closeAction(ActionForceClose, amount, 0, true, d.Reason))
			return
		}
	} else if reason := c.softHedgeBlocked(hedgeDir); reason != "" {
		d.Reason = reason
		return
	}

	levelPrice := c.snap.Instrument.RoundPrice(c.snap.Book.Level(hedgeDir, BookLevel))
	if !c.cfg.Hedge.Enabled {
		// one-way mode: the soft stop is a passive limit close
		d.Actions = append(d.Actions, c.closeAction(ActionClose, amount, levelPrice, false, "soft stop"))
		return
	}

	if !hedgeAllowed(c.cfg, hedgeDir) {
		d.Reason = "hedge disabled for side"
		d.Actions = append(d.Actions, c.closeAction(ActionForceClose, amount, 0, true, d.Reason))
		return
	}

	qty := amount
	if c.hasHedge {
		if c.hedge.Amount() >= amount {
			d.Reason = "fully hedged"
			return
		}
		qty = c.snap.Instrument.FloorQty(amount - c.hedge.Amount())
	}
	if reason := c.hedgeBlocked(qty); reason != "" {
		d.Reason = reason
		return
	}

	hedge := Action{
		Kind:         ActionHedge,
		Symbol:       c.snap.Symbol,
		Side:         hedgeDir,
		PositionSide: c.hedgeSide,
		Quantity:     qty,
		Market:       !c.cfg.Hedge.Soft,
		Reason:       d.Reason,
	}
	if c.cfg.Hedge.Soft {
		hedge.Price = levelPrice
	}
	d.Actions = append(d.Actions, hedge)
}

// softHedgeBlocked applies the signal and price checks a soft hedge needs
func (c *sideContext) softHedgeBlocked(dir binance.OrderSide) string {
	sig := c.snap.Signal
	if !sig.Enabled || string(sig.Direction) != lowerSide(dir) {
		return "soft hedge waiting for signal"
	}

	mark := c.pos.MarkPrice
	target := mark + CalcPercentage(mark, c.profit)
	extreme := sig.WindowHigh
	if dir == binance.SideSell {
		target = mark - CalcPercentage(mark, c.profit)
		extreme = sig.WindowLow
	}
	if !HasPriceOperation(c.cfg, c.snap.Ticker, dir, target, c.profit) {
		return "soft hedge price outside range"
	}
	if math.Abs(Percentage(c.snap.Book.Level(dir, BookLevel), extreme)) <= c.profit {
		return "soft hedge too close to window extreme"
	}
	return ""
}

// hedgeBlocked applies the hedge caps: per-hedge margin, the hedge side's
// own margin flag, settle time since the last fill and the order cap.
func (c *sideContext) hedgeBlocked(qty float64) string {
	if qty <= 0 || !c.snap.Instrument.Tradable(qty) {
		return "hedge size below minimum"
	}
	if c.maxMargin[c.hedgeSide] {
		return "hedge side at maximum margin"
	}

	limit := c.cfg.Hedge.MaxMargin
	if limit <= 0 {
		limit = c.cap
	}
	lev := c.pos.Leverage
	if lev <= 0 {
		lev = 1
	}
	projected := c.hedge.Margin() + qty*c.pos.MarkPrice/float64(lev)
	if projected > limit {
		return "hedge margin cap"
	}

	if c.cfg.Hedge.MinElapsed > 0 {
		if last, ok := c.snap.LastFill[c.hedgeSide]; ok && c.snap.Now.Sub(last) < c.cfg.Hedge.MinElapsed {
			return "hedge side filled " + c.snap.Now.Sub(last).Truncate(time.Second).String() + " ago"
		}
	}
	if c.snap.EntryOrders() >= c.cfg.MaxOrders {
		return "maximum open orders [symbol]"
	}
	return ""
}

func (c *sideContext) closeAction(kind ActionKind, qty, price float64, market bool, reason string) Action {
	return Action{
		Kind:         kind,
		Symbol:       c.snap.Symbol,
		Side:         c.closeSide,
		PositionSide: c.pos.PositionSide,
		Quantity:     qty,
		Price:        price,
		Market:       market,
		Closing:      true,
		Reason:       reason,
	}
}

func hedgeAllowed(cfg *config.RiskConfig, dir binance.OrderSide) bool {
	if dir == binance.SideBuy {
		return cfg.Hedge.Long
	}
	return cfg.Hedge.Short
}

// CallbackRate converts a price percentage into a trailing-stop callback
// rate inside the exchange's accepted [0.1, 5] range
func CallbackRate(profit float64) float64 {
	r := math.Round(profit*10) / 10
	return math.Max(0.1, math.Min(5, r))
}

func lowerSide(s binance.OrderSide) string {
	if s == binance.SideSell {
		return "sell"
	}
	return "buy"
}
