package monitor

import (
	"time"

	"perp-monitor/internal/binance"
	"perp-monitor/internal/orders"
)

// EngineState is what a worker reports about its last tick. The worker
// owns it; readers get copies.
type EngineState struct {
	Symbol       string        `json:"symbol"`
	Ticks        int64         `json:"ticks"`
	LastTick     time.Time     `json:"last_tick"`
	LastTickID   string        `json:"last_tick_id"`
	LastDuration time.Duration `json:"last_duration"`
	Skipped      string        `json:"skipped,omitempty"`
	LastError    string        `json:"last_error,omitempty"`

	Leverage      int     `json:"leverage"`
	Direction     string  `json:"direction"`
	SignalEnabled bool    `json:"signal_enabled"`
	SignalReason  string  `json:"signal_reason,omitempty"`
	Operations    bool    `json:"operations"`
	EntryAllowed  bool    `json:"entry_allowed"`
	EntryReason   string  `json:"entry_reason,omitempty"`
	PnlHour       float64 `json:"pnl_hour"`
	OpenOrders    int     `json:"open_orders"`

	Positions      []PositionState      `json:"positions"`
	MaxMarginUsed  map[string]bool      `json:"max_margin_used,omitempty"`
	LossInProgress map[string]bool      `json:"loss_in_progress,omitempty"`
	LastActions    []ActionState        `json:"last_actions,omitempty"`
	LastHedge      map[string]time.Time `json:"last_hedge,omitempty"`
}

// PositionState is a position row as seen by the last tick
type PositionState struct {
	PositionSide string  `json:"position_side"`
	Amount       float64 `json:"amount"`
	EntryPrice   float64 `json:"entry_price"`
	MarkPrice    float64 `json:"mark_price"`
	Unrealized   float64 `json:"unrealized"`
	Margin       float64 `json:"margin"`
}

// ActionState summarizes one order outcome of the last tick
type ActionState struct {
	Intent    string `json:"intent"`
	OrderID   int64  `json:"order_id,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Cancelled int    `json:"cancelled,omitempty"`
	Skipped   string `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

func positionStates(rows []binance.FuturesPosition) []PositionState {
	out := make([]PositionState, 0, len(rows))
	for _, p := range rows {
		if p.PositionAmt == 0 {
			continue
		}
		out = append(out, PositionState{
			PositionSide: string(p.PositionSide),
			Amount:       p.PositionAmt,
			EntryPrice:   p.EntryPrice,
			MarkPrice:    p.MarkPrice,
			Unrealized:   p.UnrealizedProfit,
			Margin:       p.Margin(),
		})
	}
	return out
}

func actionStates(outcomes []orders.Outcome) []ActionState {
	out := make([]ActionState, 0, len(outcomes))
	for _, o := range outcomes {
		a := ActionState{
			Intent:    string(o.Intent),
			Attempts:  o.Attempts,
			Cancelled: o.Cancelled,
			Skipped:   o.Skipped,
		}
		if o.Order != nil {
			a.OrderID = o.Order.OrderId
		}
		if o.Err != nil {
			a.Error = o.Err.Error()
		}
		out = append(out, a)
	}
	return out
}

func sideFlags(m map[binance.PositionSide]bool) map[string]bool {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

// clone copies the maps and slices so readers never share them with the worker
func (s EngineState) clone() EngineState {
	out := s
	out.Positions = append([]PositionState(nil), s.Positions...)
	out.LastActions = append([]ActionState(nil), s.LastActions...)
	if s.MaxMarginUsed != nil {
		out.MaxMarginUsed = make(map[string]bool, len(s.MaxMarginUsed))
		for k, v := range s.MaxMarginUsed {
			out.MaxMarginUsed[k] = v
		}
	}
	if s.LossInProgress != nil {
		out.LossInProgress = make(map[string]bool, len(s.LossInProgress))
		for k, v := range s.LossInProgress {
			out.LossInProgress[k] = v
		}
	}
	if s.LastHedge != nil {
		out.LastHedge = make(map[string]time.Time, len(s.LastHedge))
		for k, v := range s.LastHedge {
			out.LastHedge[k] = v
		}
	}
	return out
}
