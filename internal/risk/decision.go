package risk

import "perp-monitor/internal/binance"

// ActionKind names what the order lifecycle must do for a position
type ActionKind string

const (
	// ActionProtectStop places or tightens a STOP_MARKET at the entry/mark midpoint
	ActionProtectStop ActionKind = "protect_stop"
	// ActionClose closes (part of) the position with a limit at the touch
	ActionClose ActionKind = "close"
	// ActionTrailingStop replaces a close while the trend still favors holding
	ActionTrailingStop ActionKind = "trailing_stop"
	// ActionHedge opens or extends the opposite position side
	ActionHedge ActionKind = "hedge"
	// ActionForceClose closes at market after cancelling open orders
	ActionForceClose ActionKind = "force_close"
	// ActionAbruptClose closes at market without touching open orders
	ActionAbruptClose ActionKind = "abrupt_close"
)

// Action is one order intent produced by the guard
type Action struct {
	Kind         ActionKind
	Symbol       string
	Side         binance.OrderSide
	PositionSide binance.PositionSide
	Quantity     float64
	Price        float64 // limit price, zero for market
	StopPrice    float64
	CallbackRate float64
	Market       bool
	Closing      bool // reduces the position it acts on; false opens a hedge leg
	Reason       string
}

// Decision is the verdict for one position row
type Decision struct {
	Position       binance.FuturesPosition
	Thresholds     Thresholds
	Actions        []Action
	BlockEntries   bool
	LossInProgress bool
	Reason         string
}

// Assessment is the guard's verdict for one tick
type Assessment struct {
	Decisions      []Decision
	MarginCap      float64
	Operations     bool // account guards and margin caps allow new entries
	EntryAllowed   bool
	EntryReason    string
	MaxMarginUsed  map[binance.PositionSide]bool
	LossInProgress map[binance.PositionSide]bool
}

// Actions flattens every decision's actions in evaluation order
func (a Assessment) Actions() []Action {
	var out []Action
	for _, d := range a.Decisions {
		out = append(out, d.Actions...)
	}
	return out
}

// EntryPlan is a new entry with its take-profit leg
type EntryPlan struct {
	Symbol       string
	Side         binance.OrderSide
	PositionSide binance.PositionSide
	Price        float64
	Quantity     float64
	ProfitPrice  float64
	Scalper      bool // no profit leg
	Reverse      *EntryPlan
}
