// Package orders runs the order lifecycle: bounded-retry submission with
// deterministic client ids, profit legs, cancellation, bracket replacement,
// the stale-order sweep and leverage self-healing.
package orders

import (
	"time"

	"perp-monitor/internal/binance"
	"perp-monitor/internal/risk"
)

// Intent names why an order exists
type Intent string

const (
	IntentEntry        Intent = "entry"
	IntentProfit       Intent = "profit"
	IntentProtectStop  Intent = "protect_stop"
	IntentClose        Intent = "close"
	IntentTrailingStop Intent = "trailing_stop"
	IntentHedge        Intent = "hedge"
	IntentForceClose   Intent = "force_close"
	IntentAbruptClose  Intent = "abrupt_close"
)

// IntentCode maps an intent to the short code embedded in client order ids
var IntentCode = map[Intent]string{
	IntentEntry:        "E",
	IntentProfit:       "P",
	IntentProtectStop:  "PS",
	IntentClose:        "C",
	IntentTrailingStop: "TS",
	IntentHedge:        "H",
	IntentForceClose:   "FC",
	IntentAbruptClose:  "AC",
}

// IntentFor maps a risk action to the intent that carries it out
func IntentFor(kind risk.ActionKind) Intent {
	switch kind {
	case risk.ActionProtectStop:
		return IntentProtectStop
	case risk.ActionClose:
		return IntentClose
	case risk.ActionTrailingStop:
		return IntentTrailingStop
	case risk.ActionHedge:
		return IntentHedge
	case risk.ActionForceClose:
		return IntentForceClose
	case risk.ActionAbruptClose:
		return IntentAbruptClose
	}
	return IntentEntry
}

// Outcome reports what one intent did this tick
type Outcome struct {
	Intent    Intent
	Symbol    string
	Order     *binance.FuturesOrder // accepted order, nil otherwise
	Attempts  int
	Cancelled int
	Skipped   string // why nothing was submitted
	Err       error
}

// Accepted reports whether the exchange took the order
func (o Outcome) Accepted() bool {
	return o.Order != nil && o.Err == nil
}

// orderAge is how long ago o was created
func orderAge(o binance.FuturesOrder, now time.Time) time.Duration {
	if o.Time == 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(o.Time))
}

// timeout scales the configured order timeout by a multiplier
func timeout(seconds int, multiplier float64) time.Duration {
	if multiplier <= 0 {
		multiplier = 1
	}
	return time.Duration(float64(seconds) * multiplier * float64(time.Second))
}
