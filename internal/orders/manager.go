package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/configpatch"
	"perp-monitor/internal/events"
	"perp-monitor/internal/faults"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/risk"
)

// Manager submits and cancels orders for the symbol workers. It holds no
// per-symbol state: every call works from the caller's snapshot.
type Manager struct {
	client  binance.FuturesClient
	patches configpatch.Store
	events  events.Sink
	logger  *logging.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the time source used for order ages
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleeper replaces the wait between submission attempts
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager creates an order manager. patches may be nil, which disables
// leverage self-healing; sink may be nil.
func NewManager(client binance.FuturesClient, patches configpatch.Store, sink events.Sink, logger *logging.Logger, opts ...Option) *Manager {
	if sink == nil {
		sink = events.Discard{}
	}
	m := &Manager{
		client:  client,
		patches: patches,
		events:  sink,
		logger:  logger.WithComponent("order-manager"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ==================== SUBMISSION ====================

// Submit places one logical order: Pending, then Submitted on every
// attempt, ending Accepted or Rejected. Rate-limited and transient
// failures are retried with the same client order id, at most
// cfg.MaxTry+1 attempts in total. A duplicate-id rejection resolves to
// the order already resting under that id.
func (m *Manager) Submit(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, intent Intent, params binance.FuturesOrderParams) Outcome {
	out := Outcome{Intent: intent, Symbol: params.Symbol}
	if params.NewClientOrderId == "" {
		id, err := NewClientID(intent)
		if err != nil {
			out.Err = err
			return out
		}
		params.NewClientOrderId = id
	}
	if params.Type == "" {
		params.Type = binance.FuturesOrderTypeLimit
	}
	if params.Type == binance.FuturesOrderTypeLimit && params.TimeInForce == "" {
		params.TimeInForce = binance.TimeInForceGTC
	}

	l := logging.OrderContext(logging.FromContextOr(ctx, m.logger), params.Symbol, string(params.Side), string(params.Type), params.Quantity, params.Price).
		WithFields(map[string]interface{}{"intent": string(intent), "client_order_id": params.NewClientOrderId})

	m.publish(ctx, events.EventPending, intent, params, nil, 0, nil)

	attempts := cfg.MaxTry + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		out.Attempts = attempt
		m.publish(ctx, events.EventSubmitted, intent, params, nil, attempt, nil)

		order, err := m.client.PlaceOrder(ctx, params)
		if err == nil {
			out.Order = order
			m.publish(ctx, events.EventAccepted, intent, params, order, attempt, nil)
			l.WithField("order_id", order.OrderId).Info("order accepted")
			return out
		}

		if faults.Code(err) == binance.CodeDuplicateClientID {
			if existing := m.findByClientID(ctx, params.Symbol, params.NewClientOrderId); existing != nil {
				out.Order = existing
				m.publish(ctx, events.EventAccepted, intent, params, existing, attempt, nil)
				l.WithField("order_id", existing.OrderId).Info("order already accepted under this id")
				return out
			}
		}

		if faults.Is(err, faults.RateLimited) {
			m.publish(ctx, events.EventRateLimited, intent, params, nil, attempt, err)
		}
		if !binance.Retryable(err) || attempt == attempts {
			out.Err = err
			m.publish(ctx, events.EventRejected, intent, params, nil, attempt, err)
			l.WithError(err).Warn("order not placed after %d attempt(s)", attempt)
			if faults.Code(err) == binance.CodeLeverageNotional {
				m.healLeverage(ctx, sym, params)
			}
			return out
		}

		l.WithError(err).Debug("attempt %d failed, retrying", attempt)
		if err := m.sleep(ctx, cfg.RetryDelay); err != nil {
			out.Err = err
			return out
		}
	}
	return out
}

// findByClientID looks for an order resting or recently executed under id
func (m *Manager) findByClientID(ctx context.Context, symbol, id string) *binance.FuturesOrder {
	open, err := m.client.GetOpenOrders(ctx, symbol)
	if err == nil {
		for i := range open {
			if open[i].ClientOrderId == id {
				return &open[i]
			}
		}
	}
	recent, err := m.client.GetAllOrders(ctx, symbol, 50)
	if err == nil {
		for i := len(recent) - 1; i >= 0; i-- {
			if recent[i].ClientOrderId == id {
				return &recent[i]
			}
		}
	}
	return nil
}

// ==================== ENTRIES ====================

// Enter places a planned entry, its profit leg and, when planned, the
// reverse entry with its own profit leg.
func (m *Manager) Enter(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, plan *risk.EntryPlan) []Outcome {
	var outcomes []Outcome
	for p := plan; p != nil; p = p.Reverse {
		entry := m.Submit(ctx, cfg, sym, IntentEntry, binance.FuturesOrderParams{
			Symbol:       p.Symbol,
			Side:         p.Side,
			PositionSide: p.PositionSide,
			Type:         binance.FuturesOrderTypeLimit,
			TimeInForce:  binance.TimeInForceGTC,
			Quantity:     p.Quantity,
			Price:        p.Price,
		})
		outcomes = append(outcomes, entry)
		if !entry.Accepted() {
			break
		}
		if !p.Scalper {
			outcomes = append(outcomes, m.AttachProfit(ctx, cfg, sym, entry.Order, p))
		}
	}
	return outcomes
}

// AttachProfit rests the take-profit leg of an accepted entry. The leg is
// a plain limit: in one-way mode a reduce-only order placed before the
// entry fills would be rejected.
func (m *Manager) AttachProfit(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, entry *binance.FuturesOrder, plan *risk.EntryPlan) Outcome {
	return m.Submit(ctx, cfg, sym, IntentProfit, binance.FuturesOrderParams{
		Symbol:           plan.Symbol,
		Side:             plan.Side.Opposite(),
		PositionSide:     plan.PositionSide,
		Type:             binance.FuturesOrderTypeLimit,
		TimeInForce:      binance.TimeInForceGTC,
		Quantity:         plan.Quantity,
		Price:            plan.ProfitPrice,
		NewClientOrderId: ProfitClientID(entry.OrderId),
	})
}

// ==================== CANCELLATION ====================

// Cancel removes an order and, for entries of non-scalper symbols, its
// profit leg. An order the exchange no longer knows counts as cancelled.
func (m *Manager) Cancel(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, o binance.FuturesOrder) error {
	err := m.retry(ctx, cfg, func() error {
		_, err := m.client.CancelOrder(ctx, o.Symbol, o.OrderId)
		return err
	})
	if err != nil && faults.Code(err) != binance.CodeUnknownOrder {
		return fmt.Errorf("cancelling order %d: %w", o.OrderId, err)
	}
	m.publishCancelled(ctx, o)

	if sym.Scalper || o.IsClosing() || IsProfitLeg(o.ClientOrderId) {
		return nil
	}

	profitID := ProfitClientID(o.OrderId)
	err = m.retry(ctx, cfg, func() error {
		_, err := m.client.CancelOrderByClientID(ctx, o.Symbol, profitID)
		return err
	})
	switch {
	case err == nil:
		m.publishCancelled(ctx, binance.FuturesOrder{Symbol: o.Symbol, ClientOrderId: profitID})
	case faults.Code(err) == binance.CodeUnknownOrder:
	default:
		return fmt.Errorf("cancelling profit leg %s: %w", profitID, err)
	}
	return nil
}

// retry runs a cancellation with the same bound and delay as submissions
func (m *Manager) retry(ctx context.Context, cfg *config.RiskConfig, call func() error) error {
	var err error
	for attempt := 1; attempt <= cfg.MaxTry+1; attempt++ {
		if err = call(); err == nil || !binance.Retryable(err) {
			return err
		}
		if attempt <= cfg.MaxTry {
			if serr := m.sleep(ctx, cfg.RetryDelay); serr != nil {
				return serr
			}
		}
	}
	return err
}

// Sweep cancels stale entries: NEW, non-closing orders adding to the
// position of their side (or on any side when flat) older than the entry
// timeout. Profit legs whose entry is gone while their side is flat are
// cancelled as well.
func (m *Manager) Sweep(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, snap *risk.Snapshot) Outcome {
	out := Outcome{Intent: IntentEntry, Symbol: snap.Symbol}
	limit := timeout(cfg.TimeoutOrder, cfg.Timeouts.Entry)
	now := m.now()

	open := make(map[int64]bool, len(snap.OpenOrders))
	for _, o := range snap.OpenOrders {
		open[o.OrderId] = true
	}

	var errs []error
	for _, o := range snap.OpenOrders {
		entryID, profit := ParseProfitClientID(o.ClientOrderId)
		if (o.IsClosing() && !profit) || o.Status != string(binance.FuturesOrderStatusNew) {
			continue
		}
		if orderAge(o, now) < limit {
			continue
		}

		posDir := positionDirection(snap, o.PositionSide)
		if profit {
			if open[entryID] || posDir != "" {
				continue
			}
		} else if posDir != "" && !strings.EqualFold(o.Side, posDir) {
			continue
		}

		if err := m.Cancel(ctx, cfg, sym, o); err != nil {
			errs = append(errs, err)
			continue
		}
		out.Cancelled++
	}
	if out.Cancelled == 0 {
		out.Skipped = "no stale orders"
	}
	out.Err = errors.Join(errs...)
	return out
}

// positionDirection returns "buy"/"sell" for the row an order of
// positionSide acts on, "" when that row is flat
func positionDirection(snap *risk.Snapshot, positionSide string) string {
	side := binance.PositionSide(positionSide)
	if side == "" {
		side = binance.PositionSideBoth
	}
	if pos, ok := snap.PositionBySide(side); ok {
		return pos.Side()
	}
	return ""
}

// ==================== RISK ACTIONS ====================

// Execute carries out the guard's actions in order. A failed action does
// not stop the ones after it; each reports its own outcome.
func (m *Manager) Execute(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, snap *risk.Snapshot, actions []risk.Action) []Outcome {
	outcomes := make([]Outcome, 0, len(actions))
	for _, a := range actions {
		if closes(a.Kind) && !sym.ClosePosition {
			m.logger.WithFields(map[string]interface{}{
				"symbol": a.Symbol,
				"action": string(a.Kind),
			}).Info("close_position is off, leaving the position open")
			outcomes = append(outcomes, Outcome{Intent: IntentFor(a.Kind), Symbol: a.Symbol, Skipped: SkipClosingDisabled})
			continue
		}
		var out Outcome
		switch a.Kind {
		case risk.ActionProtectStop:
			out = m.ProtectStop(ctx, cfg, sym, snap.OpenOrders, a)
		case risk.ActionTrailingStop:
			out = m.TrailingStop(ctx, cfg, sym, snap.OpenOrders, a)
		case risk.ActionClose:
			out = m.Close(ctx, cfg, sym, snap.OpenOrders, a)
		case risk.ActionForceClose:
			out = m.ForceClose(ctx, cfg, sym, snap.OpenOrders, a)
		case risk.ActionAbruptClose:
			out = m.Submit(ctx, cfg, sym, IntentAbruptClose, closingParams(a, binance.FuturesOrderTypeMarket))
		case risk.ActionHedge:
			out = m.Hedge(ctx, cfg, sym, a)
		default:
			out = Outcome{Intent: IntentFor(a.Kind), Symbol: a.Symbol, Err: faults.Newf(faults.ConsistencyGuard, "execute", "unknown action %q", a.Kind)}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// SkipClosingDisabled is the skip reason of a closing action on a symbol
// configured without close_position
const SkipClosingDisabled = "close_position disabled"

// closes reports whether the action takes the position off the book.
// Protective stops and hedges stay active regardless of close_position.
func closes(k risk.ActionKind) bool {
	switch k {
	case risk.ActionClose, risk.ActionForceClose, risk.ActionAbruptClose, risk.ActionTrailingStop:
		return true
	}
	return false
}

// ProtectStop places a STOP_MARKET at the action's stop price unless an
// existing stop of the same side is already at least as protective. Worse
// stops are cancelled once older than the bracket timeout; if any cancel
// fails the replacement is abandoned for this tick.
func (m *Manager) ProtectStop(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, open []binance.FuturesOrder, a risk.Action) Outcome {
	out := Outcome{Intent: IntentProtectStop, Symbol: a.Symbol}
	limit := timeout(cfg.TimeoutOrder, cfg.Timeouts.Bracket)
	now := m.now()

	var worse []binance.FuturesOrder
	for _, o := range open {
		if binance.FuturesOrderType(o.Type) != binance.FuturesOrderTypeStopMarket || !sameLeg(o, a) {
			continue
		}
		if atLeastAsGood(a.Side, o.StopPrice, a.StopPrice) {
			out.Skipped = "existing stop at least as good"
			return out
		}
		if orderAge(o, now) < limit {
			out.Skipped = "existing stop too recent to replace"
			return out
		}
		worse = append(worse, o)
	}

	if err := m.cancelAll(ctx, cfg, sym, worse, &out); err != nil {
		out.Err = fmt.Errorf("stop replace aborted: %w", err)
		return out
	}

	params := closingParams(a, binance.FuturesOrderTypeStopMarket)
	params.StopPrice = a.StopPrice
	params.WorkingType = binance.WorkingTypeMarkPrice
	res := m.Submit(ctx, cfg, sym, IntentProtectStop, params)
	res.Cancelled = out.Cancelled
	return res
}

// TrailingStop places a TRAILING_STOP_MARKET unless one already trails
// this leg
func (m *Manager) TrailingStop(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, open []binance.FuturesOrder, a risk.Action) Outcome {
	for _, o := range open {
		if binance.FuturesOrderType(o.Type) == binance.FuturesOrderTypeTrailingStop && sameLeg(o, a) {
			return Outcome{Intent: IntentTrailingStop, Symbol: a.Symbol, Skipped: "trailing stop already active"}
		}
	}
	params := closingParams(a, binance.FuturesOrderTypeTrailingStop)
	params.CallbackRate = a.CallbackRate
	params.WorkingType = binance.WorkingTypeMarkPrice
	return m.Submit(ctx, cfg, sym, IntentTrailingStop, params)
}

// Close places a limit close. A resting close younger than the
// close-position timeout means a close is already working and nothing is
// done; older ones and the leg's profit orders are cancelled first, and a
// failed cancel abandons the close. Brackets are left in place.
func (m *Manager) Close(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, open []binance.FuturesOrder, a risk.Action) Outcome {
	out := Outcome{Intent: IntentClose, Symbol: a.Symbol}
	limit := timeout(cfg.TimeoutOrder, cfg.Timeouts.ClosePosition)
	now := m.now()

	var stale []binance.FuturesOrder
	for _, o := range open {
		if o.IsBracket() || !sameLeg(o, a) {
			continue
		}
		switch {
		case IsProfitLeg(o.ClientOrderId):
			stale = append(stale, o)
		case o.IsClosing():
			if orderAge(o, now) < limit {
				out.Skipped = "close order already working"
				return out
			}
			stale = append(stale, o)
		}
	}

	if err := m.cancelAll(ctx, cfg, sym, stale, &out); err != nil {
		out.Err = fmt.Errorf("close aborted: %w", err)
		return out
	}

	res := m.Submit(ctx, cfg, sym, IntentClose, closingParams(a, binance.FuturesOrderTypeLimit))
	res.Cancelled = out.Cancelled
	return res
}

// ForceClose cancels every open order of the position's leg, then closes
// at market. Any cancel failure skips the close for this tick.
func (m *Manager) ForceClose(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, open []binance.FuturesOrder, a risk.Action) Outcome {
	out := Outcome{Intent: IntentForceClose, Symbol: a.Symbol}

	var legOrders []binance.FuturesOrder
	for _, o := range open {
		if onLeg(o, a.PositionSide) {
			legOrders = append(legOrders, o)
		}
	}
	if err := m.cancelAll(ctx, cfg, sym, legOrders, &out); err != nil {
		out.Err = fmt.Errorf("force close aborted: %w", err)
		return out
	}

	res := m.Submit(ctx, cfg, sym, IntentForceClose, closingParams(a, binance.FuturesOrderTypeMarket))
	res.Cancelled = out.Cancelled
	return res
}

// Hedge opens or extends the opposite position side
func (m *Manager) Hedge(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, a risk.Action) Outcome {
	params := binance.FuturesOrderParams{
		Symbol:       a.Symbol,
		Side:         a.Side,
		PositionSide: a.PositionSide,
		Quantity:     a.Quantity,
		Type:         binance.FuturesOrderTypeLimit,
		TimeInForce:  binance.TimeInForceGTC,
		Price:        a.Price,
	}
	if a.Market || a.Price <= 0 {
		params.Type = binance.FuturesOrderTypeMarket
		params.TimeInForce = ""
		params.Price = 0
	}
	return m.Submit(ctx, cfg, sym, IntentHedge, params)
}

func (m *Manager) cancelAll(ctx context.Context, cfg *config.RiskConfig, sym config.SymbolConfig, list []binance.FuturesOrder, out *Outcome) error {
	for _, o := range list {
		if err := m.Cancel(ctx, cfg, sym, o); err != nil {
			return err
		}
		out.Cancelled++
	}
	return nil
}

// closingParams builds a reduce-only order for a closing action
func closingParams(a risk.Action, typ binance.FuturesOrderType) binance.FuturesOrderParams {
	p := binance.FuturesOrderParams{
		Symbol:       a.Symbol,
		Side:         a.Side,
		PositionSide: a.PositionSide,
		Type:         typ,
		Quantity:     a.Quantity,
		ReduceOnly:   true,
	}
	if typ == binance.FuturesOrderTypeLimit {
		p.Price = a.Price
		p.TimeInForce = binance.TimeInForceGTC
	}
	return p
}

// sameLeg reports whether o works the same side of the same position as a
func sameLeg(o binance.FuturesOrder, a risk.Action) bool {
	return o.Side == string(a.Side) && onLeg(o, a.PositionSide)
}

func onLeg(o binance.FuturesOrder, side binance.PositionSide) bool {
	if side == "" || side == binance.PositionSideBoth {
		return o.PositionSide == "" || o.PositionSide == string(binance.PositionSideBoth)
	}
	return o.PositionSide == string(side)
}

// atLeastAsGood compares stop prices for a closing side: a sell stop
// protects more the higher it sits, a buy stop the lower
func atLeastAsGood(side binance.OrderSide, existing, proposed float64) bool {
	if side == binance.SideSell {
		return existing >= proposed
	}
	return existing <= proposed
}

// ==================== LEVERAGE SELF-HEAL ====================

// healLeverage reacts to a leverage/notional rejection: it reads the
// symbol's brackets and, when the leverage that fits the order differs
// from the configured one, records a configuration patch and pushes the
// new leverage to the exchange. The rejected order is not retried.
func (m *Manager) healLeverage(ctx context.Context, sym config.SymbolConfig, params binance.FuturesOrderParams) {
	l := m.logger.WithField("symbol", sym.Symbol)

	brackets, err := m.client.GetLeverageBrackets(ctx, sym.Symbol)
	if err != nil {
		l.WithError(err).Warn("failed to read leverage brackets")
		return
	}

	price := params.Price
	if price <= 0 {
		price = params.StopPrice
	}
	notional := params.Quantity * price
	lev := LeverageFor(brackets, notional)
	if lev == 0 || lev == sym.Leverage {
		return
	}
	if m.patches == nil {
		l.Warn("leverage %dx does not fit notional %.2f, bracket allows %dx", sym.Leverage, notional, lev)
		return
	}

	patch, err := m.patches.Apply(ctx, configpatch.Patch{
		Symbol:           sym.Symbol,
		Leverage:         lev,
		PreviousLeverage: sym.Leverage,
		Reason:           fmt.Sprintf("notional %.2f exceeds the %dx bracket", notional, sym.Leverage),
		Source:           configpatch.SourceLeverageBracket,
	})
	if err != nil {
		l.WithError(err).Error("failed to record leverage patch")
		return
	}
	if _, err := m.client.SetLeverage(ctx, sym.Symbol, lev); err != nil {
		l.WithError(err).Warn("leverage patch %s recorded but exchange update failed", patch.ID)
		return
	}
	l.Info("leverage patched from %dx to %dx", sym.Leverage, lev)
}

// LeverageFor returns the highest initial leverage whose bracket can carry
// notional, 0 when no bracket can
func LeverageFor(brackets []binance.LeverageBracket, notional float64) int {
	best := 0
	for _, b := range brackets {
		if b.NotionalCap >= notional && b.InitialLeverage > best {
			best = b.InitialLeverage
		}
	}
	return best
}

// ==================== EVENTS ====================

func (m *Manager) publish(ctx context.Context, typ events.EventType, intent Intent, p binance.FuturesOrderParams, order *binance.FuturesOrder, attempt int, err error) {
	e := events.Event{
		Type:          typ,
		Timestamp:     m.now(),
		Symbol:        p.Symbol,
		Intent:        string(intent),
		ClientOrderID: p.NewClientOrderId,
		Side:          string(p.Side),
		PositionSide:  string(p.PositionSide),
		OrderType:     string(p.Type),
		Quantity:      p.Quantity,
		Price:         p.Price,
		Attempt:       attempt,
	}
	if order != nil {
		e.OrderID = order.OrderId
	}
	if err != nil {
		e.Code = faults.Code(err)
		e.Reason = err.Error()
	}
	m.events.Publish(ctx, e)
}

func (m *Manager) publishCancelled(ctx context.Context, o binance.FuturesOrder) {
	intent, _ := IntentOf(o.ClientOrderId)
	m.events.Publish(ctx, events.Event{
		Type:          events.EventCancelled,
		Timestamp:     m.now(),
		Symbol:        o.Symbol,
		Intent:        string(intent),
		ClientOrderID: o.ClientOrderId,
		OrderID:       o.OrderId,
		Side:          o.Side,
		PositionSide:  o.PositionSide,
		OrderType:     o.Type,
		Quantity:      o.OrigQty,
		Price:         o.Price,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
