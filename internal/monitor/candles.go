package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/signal"
	"perp-monitor/internal/store"
)

var errCacheStale = errors.New("candle cache stale")

// candles returns the window the evaluator needs, oldest first. The
// ingester's cache is read when enabled and fresh, REST otherwise.
func (w *Worker) candles(ctx context.Context, l *logging.Logger, cfg *config.RiskConfig, symbol string) ([]binance.Kline, error) {
	n := signal.WindowSize(cfg)
	if cfg.Candles.UseCache && w.deps.Store != nil {
		klines, err := w.cachedCandles(ctx, cfg, symbol, n)
		if err == nil {
			return klines, nil
		}
		l.WithError(err).Debug("candle cache unusable, falling back to REST")
	}
	return w.deps.Client.GetContinuousKlines(ctx, symbol, cfg.Candles.Interval, n)
}

func (w *Worker) cachedCandles(ctx context.Context, cfg *config.RiskConfig, symbol string, n int) ([]binance.Kline, error) {
	var rows []store.Candle
	err := w.deps.Store.With(ctx, func(s store.Store) error {
		var err error
		rows, err = s.Candles(ctx, symbol, cfg.Candles.Interval, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) < n {
		return nil, fmt.Errorf("%w: %d of %d candles", errCacheStale, len(rows), n)
	}
	if age := w.deps.Now().Sub(rows[len(rows)-1].UpdatedAt); age > cfg.Candles.CacheMaxAge {
		return nil, fmt.Errorf("%w: newest candle updated %s ago", errCacheStale, age.Truncate(time.Second))
	}

	klines := make([]binance.Kline, len(rows))
	for i, c := range rows {
		klines[i] = c.Kline()
	}
	return klines, nil
}
