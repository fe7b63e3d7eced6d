// Package balance keeps the daily wallet history that feeds the hourly PnL
// guard and sweeps part of the day's gain to the spot wallet.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/store"

	"github.com/shopspring/decimal"
)

// SampleEvery is the bookkeeping cadence in minutes
const SampleEvery = 5

// Result is what one bookkeeping pass observed
type Result struct {
	RowID     int64
	Wallet    float64
	Variation float64
	PnlHour   float64
	Sampled   bool    // the row was written this pass
	Swept     float64 // amount moved to spot, 0 when nothing was moved
}

// Bookkeeper records the wallet balance once per day row. It is shared by
// every worker of a process; passes are serialized.
type Bookkeeper struct {
	mu     sync.Mutex
	client binance.FuturesClient
	open   store.Opener
	logger *logging.Logger
	now    func() time.Time
}

// NewBookkeeper creates a bookkeeper over the given store
func NewBookkeeper(client binance.FuturesClient, open store.Opener, logger *logging.Logger) *Bookkeeper {
	return &Bookkeeper{
		client: client,
		open:   open,
		logger: logger.WithComponent("balance"),
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (b *Bookkeeper) SetClock(now func() time.Time) {
	b.now = now
}

// Intervals is the number of five-minute samples from midnight to the end
// of hour
func Intervals(hour int) int {
	return (hour + 1) * 60 / SampleEvery
}

// PnlHour spreads the day's variation over the samples elapsed so far
func PnlHour(variation float64, hour int) float64 {
	v, _ := decimal.NewFromFloat(variation).
		Div(decimal.NewFromInt(int64(Intervals(hour)))).
		Round(8).
		Float64()
	return v
}

// Record reads today's row and, on five-minute boundaries, inserts or
// updates it from the wallet balance. The stored hourly PnL is returned
// on every pass for the account guard.
func (b *Bookkeeper) Record(ctx context.Context, cfg *config.RiskConfig, account *binance.FuturesAccountInfo) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	res := Result{Wallet: account.TotalWalletBalance}

	err := b.open.With(ctx, func(s store.Store) error {
		row, err := s.TodayBalance(ctx, now)
		switch {
		case errors.Is(err, store.ErrNotFound):
			row = nil
		case err != nil:
			return err
		}

		if row != nil {
			res.RowID = row.ID
			res.Variation = row.Variation
			res.PnlHour = row.PnlHour
		}

		if now.Minute()%SampleEvery == 0 {
			if err := b.sample(ctx, s, now, row, &res); err != nil {
				return err
			}
		}

		if row != nil && cfg.Sweep.Enabled {
			return b.sweep(ctx, cfg, s, now, row, &res)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("balance bookkeeping: %w", err)
	}
	return res, nil
}

func (b *Bookkeeper) sample(ctx context.Context, s store.Store, now time.Time, row *store.BalanceRow, res *Result) error {
	res.Sampled = true
	if row == nil {
		id, err := s.InsertBalance(ctx, res.Wallet, now)
		if err != nil {
			return err
		}
		res.RowID = id
		res.Variation = 0
		res.PnlHour = 0
		b.logger.WithField("wallet", res.Wallet).Info("opened daily balance row")
		return nil
	}

	variation, _ := decimal.NewFromFloat(res.Wallet).Sub(decimal.NewFromFloat(row.Value)).Round(8).Float64()
	pnlHour := PnlHour(variation, now.Hour())

	if n, err := s.PruneDay(ctx, now, row.ID); err != nil {
		return err
	} else if n > 0 {
		b.logger.Debug("pruned %d duplicate balance rows", n)
	}
	if err := s.UpdateBalance(ctx, row.ID, variation, pnlHour, now); err != nil {
		return err
	}

	res.Variation = variation
	res.PnlHour = pnlHour
	b.logger.WithFields(map[string]interface{}{
		"wallet":    res.Wallet,
		"variation": variation,
		"pnl_hour":  pnlHour,
	}).Debug("balance sampled")
	return nil
}

// sweep moves Percent of the day's variation to spot once per day
func (b *Bookkeeper) sweep(ctx context.Context, cfg *config.RiskConfig, s store.Store, now time.Time, row *store.BalanceRow, res *Result) error {
	if row.Withdrawal || res.Variation <= 0 || res.Variation < cfg.Sweep.Threshold {
		return nil
	}

	amount, _ := decimal.NewFromFloat(res.Variation).
		Mul(decimal.NewFromFloat(cfg.Sweep.Percent)).
		Div(decimal.NewFromInt(100)).
		Truncate(2).
		Float64()
	if amount <= 0 {
		return nil
	}

	asset := cfg.Sweep.Asset
	if asset == "" {
		asset = "USDT"
	}
	tranID, err := b.client.TransferToSpot(ctx, asset, amount)
	if err != nil {
		b.logger.WithError(err).Warn("profit sweep of %.2f %s failed", amount, asset)
		return nil
	}
	if err := s.MarkWithdrawal(ctx, row.ID, now); err != nil {
		return err
	}

	res.Swept = amount
	b.logger.WithFields(map[string]interface{}{
		"amount":    amount,
		"asset":     asset,
		"tran_id":   tranID,
		"variation": res.Variation,
	}).Info("profit swept to spot")
	return nil
}
