// Package monitor drives the per-symbol tick: it fetches one snapshot of
// account, positions, orders and market data, runs the stale-order sweep,
// evaluates the signal, asks the risk guard for a verdict and hands the
// resulting actions to the order manager.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/balance"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/configpatch"
	"perp-monitor/internal/faults"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/metrics"
	"perp-monitor/internal/orders"
	"perp-monitor/internal/risk"
	"perp-monitor/internal/signal"
	"perp-monitor/internal/store"
)

const (
	// depthLimit is the order book depth fetched per tick
	depthLimit = 5
	// recentOrders is how many orders the fill lookback reads
	recentOrders = 50
)

// Deps are the collaborators shared by every worker of a process.
// Patches, Store, Balance and Metrics may be nil.
type Deps struct {
	Client    binance.FuturesClient
	Risk      *config.RiskSource
	Guard     *risk.Guard
	Evaluator *signal.Evaluator
	Orders    *orders.Manager
	Patches   configpatch.Store
	Store     store.Opener
	Balance   *balance.Bookkeeper
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	Now       func() time.Time

	SkipFundingWindow bool
	Debug             bool
}

// Worker ticks one symbol. Tick is not safe for concurrent use; the
// scheduler never overlaps ticks of the same worker. State may be read
// from any goroutine.
type Worker struct {
	deps   Deps
	sym    config.SymbolConfig
	logger *logging.Logger

	inst       binance.Instrument
	instLoaded bool
	pnlHour    float64

	mu    sync.RWMutex
	state EngineState
}

// NewWorker creates the worker of one configured symbol
func NewWorker(deps Deps, sym config.SymbolConfig) *Worker {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Worker{
		deps:   deps,
		sym:    sym,
		logger: deps.Logger.WithComponent("monitor").WithField("symbol", sym.Symbol),
		state:  EngineState{Symbol: sym.Symbol, Leverage: sym.Leverage},
	}
}

// Symbol returns the traded symbol
func (w *Worker) Symbol() string {
	return w.sym.Symbol
}

// State returns a copy of the last published EngineState
func (w *Worker) State() EngineState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.clone()
}

// Bootstrap pushes the configured leverage and margin type to the
// exchange. Failures are logged and the worker starts anyway.
func (w *Worker) Bootstrap(ctx context.Context) {
	sym := w.effective(ctx, w.logger)
	l := w.logger.WithField("leverage", sym.Leverage)

	if _, err := w.deps.Client.SetLeverage(ctx, sym.Symbol, sym.Leverage); err != nil {
		l.WithError(err).Warn("setting leverage failed")
	}
	if sym.MarginType == "" {
		return
	}
	mt := binance.MarginType(strings.ToUpper(sym.MarginType))
	err := w.deps.Client.SetMarginType(ctx, sym.Symbol, mt)
	if err != nil && faults.Code(err) != binance.CodeNoNeedToChangeMargin {
		l.WithError(err).WithField("margin_type", mt).Warn("setting margin type failed")
		return
	}
	l.WithField("margin_type", mt).Info("worker bootstrapped")
}

// Tick runs one pass for the symbol and returns the published state.
// Errors end the tick and are reported in the state, never returned.
func (w *Worker) Tick(ctx context.Context) EngineState {
	start := w.deps.Now()
	ctx, l := logging.WithTickContext(ctx, w.logger, w.sym.Symbol)

	st := EngineState{
		Symbol:     w.sym.Symbol,
		LastTick:   start,
		LastTickID: logging.TickIDFromContext(ctx),
		Leverage:   w.sym.Leverage,
		PnlHour:    w.pnlHour,
	}

	result := metrics.TickOK
	switch {
	case w.deps.SkipFundingWindow && InFundingWindow(start):
		st.Skipped = "funding window"
		result = metrics.TickSkipped
		l.Debug("inside funding window, tick skipped")
	default:
		if err := w.run(ctx, l, &st); err != nil {
			st.LastError = err.Error()
			result = metrics.TickFailed
			l.WithError(err).Warn("tick ended early")
		}
	}

	st.LastDuration = w.deps.Now().Sub(start)
	if w.deps.Metrics != nil {
		w.deps.Metrics.ObserveTick(w.sym.Symbol, result, st.LastDuration.Seconds())
	}
	return w.publish(st)
}

func (w *Worker) publish(st EngineState) EngineState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st.Ticks = w.state.Ticks + 1
	w.state = st
	return st.clone()
}

// run is the tick pipeline. Every decision is taken from the one snapshot
// built here; the only re-fetch is the open-order list after the sweep
// cancelled something.
func (w *Worker) run(ctx context.Context, l *logging.Logger, st *EngineState) error {
	cfg := w.deps.Risk.Current()
	client := w.deps.Client
	sym := w.effective(ctx, l)
	st.Leverage = sym.Leverage

	if err := w.loadInstrument(ctx); err != nil {
		return fmt.Errorf("loading instrument: %w", err)
	}

	// the ticker comes first so a paper account is marked before it is read
	ticker, err := client.Get24hrTicker(ctx, sym.Symbol)
	if err != nil {
		return fmt.Errorf("fetching ticker: %w", err)
	}
	depth, err := client.GetOrderBookDepth(ctx, sym.Symbol, depthLimit)
	if err != nil {
		return fmt.Errorf("fetching order book: %w", err)
	}

	account, err := client.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetching account: %w", err)
	}
	positions, err := client.GetPositionRisk(ctx, sym.Symbol)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}
	open, err := client.GetOpenOrders(ctx, sym.Symbol)
	if err != nil {
		return fmt.Errorf("fetching open orders: %w", err)
	}

	if w.deps.Balance != nil {
		res, err := w.deps.Balance.Record(ctx, cfg, account)
		if err != nil {
			l.WithError(err).Warn("balance bookkeeping failed, keeping last hourly pnl")
		} else {
			w.pnlHour = res.PnlHour
		}
	}
	st.PnlHour = w.pnlHour

	snap := &risk.Snapshot{
		Symbol:            sym.Symbol,
		Now:               w.deps.Now(),
		Account:           *account,
		Positions:         positions,
		OpenOrders:        open,
		AccountOpenOrders: -1,
		Book:              risk.BookFromDepth(depth),
		Ticker:            *ticker,
		Instrument:        w.inst,
		Leverage:          sym.Leverage,
		PnlHour:           w.pnlHour,
	}
	st.Positions = positionStates(positions)

	var outcomes []orders.Outcome
	sweep := w.deps.Orders.Sweep(ctx, cfg, sym, snap)
	if sweep.Cancelled > 0 || sweep.Err != nil {
		outcomes = append(outcomes, sweep)
	}
	if sweep.Cancelled > 0 {
		if snap.OpenOrders, err = client.GetOpenOrders(ctx, sym.Symbol); err != nil {
			st.LastActions = actionStates(outcomes)
			return fmt.Errorf("refreshing open orders after sweep: %w", err)
		}
	}
	st.OpenOrders = len(snap.OpenOrders)

	if cfg.MaxOrdersAccount > 0 {
		all, err := client.GetOpenOrders(ctx, "")
		if err != nil {
			return fmt.Errorf("fetching account open orders: %w", err)
		}
		snap.AccountOpenOrders = len(all)
	}

	klines, err := w.candles(ctx, l, cfg, sym.Symbol)
	if err != nil {
		return fmt.Errorf("fetching candles: %w", err)
	}
	snap.Signal = w.deps.Evaluator.Evaluate(sym.Symbol, klines, snap.Ticker, cfg)
	st.Direction = string(snap.Signal.Direction)
	st.SignalEnabled = snap.Signal.Enabled
	st.SignalReason = snap.Signal.Reason
	if sym.Scalper {
		st.Direction = string(snap.Signal.ScalperDirection)
		st.SignalEnabled = snap.Signal.ScalperEnabled
	}

	if cfg.Hedge.Enabled && cfg.Hedge.MinElapsed > 0 {
		if snap.LastFill, err = w.lastFills(ctx, sym.Symbol); err != nil {
			return fmt.Errorf("reading recent fills: %w", err)
		}
		st.LastHedge = make(map[string]time.Time, len(snap.LastFill))
		for side, at := range snap.LastFill {
			st.LastHedge[string(side)] = at
		}
	}

	assessment := w.deps.Guard.Assess(snap, cfg)
	st.Operations = assessment.Operations
	st.MaxMarginUsed = sideFlags(assessment.MaxMarginUsed)
	st.LossInProgress = sideFlags(assessment.LossInProgress)

	outcomes = append(outcomes, w.deps.Orders.Execute(ctx, cfg, sym, snap, assessment.Actions())...)

	plan, reason := w.deps.Guard.PlanEntry(snap, cfg, sym, assessment)
	st.EntryAllowed = plan != nil
	st.EntryReason = reason
	if plan != nil {
		outcomes = append(outcomes, w.deps.Orders.Enter(ctx, cfg, sym, plan)...)
	}
	st.LastActions = actionStates(outcomes)

	w.report(l, snap, st)
	return nil
}

// effective overlays any configuration patch on the symbol config
func (w *Worker) effective(ctx context.Context, l *logging.Logger) config.SymbolConfig {
	sym, err := configpatch.Overlay(ctx, w.deps.Patches, w.sym)
	if err != nil {
		l.WithError(err).Warn("configuration patch unavailable, using configured leverage")
		return w.sym
	}
	return sym
}

func (w *Worker) loadInstrument(ctx context.Context) error {
	if w.instLoaded {
		return nil
	}
	inst, err := w.deps.Client.GetInstrument(ctx, w.sym.Symbol)
	if err != nil {
		return err
	}
	w.inst, w.instLoaded = inst, true
	return nil
}

// lastFills returns the newest fill time per position side
func (w *Worker) lastFills(ctx context.Context, symbol string) (map[binance.PositionSide]time.Time, error) {
	list, err := w.deps.Client.GetAllOrders(ctx, symbol, recentOrders)
	if err != nil {
		return nil, err
	}
	out := make(map[binance.PositionSide]time.Time)
	for _, o := range list {
		if o.Status != string(binance.FuturesOrderStatusFilled) {
			continue
		}
		side := binance.PositionSide(o.PositionSide)
		if side == "" {
			side = binance.PositionSideBoth
		}
		if at := time.UnixMilli(o.UpdateTime); at.After(out[side]) {
			out[side] = at
		}
	}
	return out, nil
}

// report logs the tick summary and updates the position gauges
func (w *Worker) report(l *logging.Logger, snap *risk.Snapshot, st *EngineState) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.SetPnlHour(st.PnlHour)
		for _, p := range snap.Positions {
			side := string(p.PositionSide)
			if side == "" {
				side = string(binance.PositionSideBoth)
			}
			w.deps.Metrics.SetPositionPnL(snap.Symbol, side, p.UnrealizedProfit)
		}
	}

	for _, a := range st.LastActions {
		if a.Error != "" {
			l.WithFields(map[string]interface{}{
				"intent":   a.Intent,
				"attempts": a.Attempts,
			}).Warn("order action failed: %s", a.Error)
		}
	}

	entry := l.WithFields(map[string]interface{}{
		"direction":   st.Direction,
		"enabled":     st.SignalEnabled,
		"operations":  st.Operations,
		"positions":   len(st.Positions),
		"open_orders": st.OpenOrders,
		"actions":     len(st.LastActions),
		"pnl_hour":    st.PnlHour,
		"entry":       st.EntryReason,
	})
	if w.deps.Debug {
		entry.Info("tick done")
	} else {
		entry.Debug("tick done")
	}
}
