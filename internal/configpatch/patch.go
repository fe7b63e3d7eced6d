// Package configpatch records per-symbol configuration overrides that the
// engine applies to itself, with an audit trail of every change.
package configpatch

import (
	"context"
	"errors"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/faults"

	"github.com/google/uuid"
)

// Sources of a patch
const (
	SourceLeverageBracket = "leverage_bracket"
	SourceOperator        = "operator"
)

// ErrNotFound is returned by Get when a symbol has no patch
var ErrNotFound = errors.New("no patch for symbol")

// Patch overrides the configured leverage of one symbol
type Patch struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Leverage         int       `json:"leverage"`
	PreviousLeverage int       `json:"previous_leverage"`
	Reason           string    `json:"reason"`
	Source           string    `json:"source"`
	AppliedAt        time.Time `json:"applied_at"`
}

// Store persists the active patch per symbol and the audit of all patches
type Store interface {
	Apply(ctx context.Context, p Patch) (Patch, error)
	Get(ctx context.Context, symbol string) (Patch, error)
	Audit(ctx context.Context, limit int) ([]Patch, error)
}

// Validate rejects a patch the engine could not act on
func (p Patch) Validate() error {
	if p.Symbol == "" {
		return faults.Newf(faults.ConfigurationInvalid, "config patch", "symbol is required")
	}
	if p.Leverage <= 0 || p.Leverage > 125 {
		return faults.Newf(faults.ConfigurationInvalid, "config patch", "%s: leverage %d out of range", p.Symbol, p.Leverage)
	}
	return nil
}

// stamp fills the identity fields Apply is responsible for
func stamp(p Patch, now time.Time) Patch {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.AppliedAt.IsZero() {
		p.AppliedAt = now.UTC()
	}
	return p
}

// Overlay returns sym with any patch applied. A missing patch or a store
// failure leaves the configured values in place.
func Overlay(ctx context.Context, store Store, sym config.SymbolConfig) (config.SymbolConfig, error) {
	if store == nil {
		return sym, nil
	}
	p, err := store.Get(ctx, sym.Symbol)
	if errors.Is(err, ErrNotFound) {
		return sym, nil
	}
	if err != nil {
		return sym, err
	}
	sym.Leverage = p.Leverage
	return sym, nil
}
