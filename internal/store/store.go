// Package store persists the daily balance history and the candle cache.
// Handles are short lived: a tick opens one, uses it and closes it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/faults"
	"perp-monitor/internal/logging"
)

// ErrNotFound is returned when no row matches
var ErrNotFound = errors.New("store: not found")

// BalanceRow is one day of wallet bookkeeping
type BalanceRow struct {
	ID         int64     `json:"id"`
	Value      float64   `json:"value"`     // wallet balance at the first sample of the day
	Variation  float64   `json:"variation"` // wallet minus Value at the last sample
	PnlHour    float64   `json:"pnl_hour"`
	Withdrawal bool      `json:"withdrawal"` // profit already swept today
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Candle is a cached continuous-contract kline
type Candle struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Kline converts the cached candle to the exchange representation
func (c Candle) Kline() binance.Kline {
	return binance.Kline{
		OpenTime:  c.OpenTime.UnixMilli(),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		CloseTime: c.CloseTime.UnixMilli(),
	}
}

// Store is the persistence surface used by the workers and the ingester
type Store interface {
	// TodayBalance returns the first row created on day's UTC date
	TodayBalance(ctx context.Context, day time.Time) (*BalanceRow, error)
	InsertBalance(ctx context.Context, value float64, at time.Time) (int64, error)
	UpdateBalance(ctx context.Context, id int64, variation, pnlHour float64, at time.Time) error
	// PruneDay deletes every row of day except keepID
	PruneDay(ctx context.Context, day time.Time, keepID int64) (int64, error)
	MarkWithdrawal(ctx context.Context, id int64, at time.Time) error

	UpsertCandle(ctx context.Context, c Candle) error
	// Candles returns the latest limit candles, oldest first
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	Close() error
}

// Opener hands out a fresh store handle
type Opener func(ctx context.Context) (Store, error)

// NewOpener prepares the configured backend, running migrations once, and
// returns an Opener for per-tick handles.
func NewOpener(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (Opener, error) {
	l := logger.WithComponent("store")
	switch cfg.Driver {
	case "sqlite", "":
		s, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.Close()
		l.WithField("path", cfg.DSN).Info("sqlite store ready")
		return func(ctx context.Context) (Store, error) {
			return OpenSQLite(ctx, cfg.DSN)
		}, nil

	case "postgres":
		s, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.Close()
		l.Info("postgres store ready")
		return func(ctx context.Context) (Store, error) {
			return OpenPostgres(ctx, cfg.DSN)
		}, nil

	default:
		return nil, faults.Newf(faults.ConfigurationInvalid, "store", "unknown driver %q", cfg.Driver)
	}
}

// With opens a handle, runs fn and closes the handle
func (o Opener) With(ctx context.Context, fn func(Store) error) error {
	s, err := o(ctx)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()
	return fn(s)
}

// dayBounds returns the UTC half-open interval of t's date
func dayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
