package monitor

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/balance"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/configpatch"
	"perp-monitor/internal/events"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/orders"
	"perp-monitor/internal/risk"
	"perp-monitor/internal/signal"
	"perp-monitor/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minute 1 is off the bookkeeping grid and outside any funding window
var testNow = time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC)

type fixture struct {
	client  *binance.FuturesMockClient
	cfg     *config.RiskConfig
	patches *configpatch.MemoryStore
	deps    Deps
	sym     config.SymbolConfig
	now     *time.Time
}

func testRiskConfig() *config.RiskConfig {
	return &config.RiskConfig{
		MarginAccount:       50,
		MarginSymbol:        10,
		MarginIndividualMin: 10,
		MarginIndividualMax: 1000,
		PnlHour:             100,
		PriceChangePercent:  30,
		MaxTry:              2,
		RetryDelay:          time.Second,
		Gain:                config.GainLossConfig{Base: 100, Additional: 25},
		Loss:                config.GainLossConfig{Base: 100, Additional: 25},
		MultiplePercentGain: 1,
		MinProfitAmount:     1,
		MaxOrders:           5,
		TimeoutOrder:        60,
		Timeouts:            config.TimeoutMultipliers{Entry: 1, Bracket: 2, ClosePosition: 3},
		Order:               config.OrderSizing{MultipleOrder: 1, MinNotional: 5},
		Candles: config.CandleConfig{
			Interval:           "1m",
			Limit:              3,
			Consecutive:        3,
			ScalperLimit:       3,
			ScalperConsecutive: 1,
			CacheMaxAge:        2 * time.Minute,
		},
	}
}

// rising returns n bullish one-minute candles ending at testNow, the first opening at from
func rising(n int, from float64) []binance.Kline {
	out := make([]binance.Kline, n)
	for i := range out {
		open := from + float64(i)
		at := testNow.Add(time.Duration(i-n) * time.Minute)
		out[i] = binance.Kline{
			OpenTime:  at.UnixMilli(),
			Open:      open,
			High:      open + 1.2,
			Low:       open - 0.2,
			Close:     open + 1,
			Volume:    10,
			CloseTime: at.Add(time.Minute).UnixMilli() - 1,
		}
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := testNow
	clock := func() time.Time { return now }

	client := binance.NewFuturesMockClient(1000)
	client.SetClock(clock)
	client.SetTicker("BTCUSDT", 100, 2)
	client.SetDayRange("BTCUSDT", 80, 120)
	client.SetOrderBook("BTCUSDT",
		[]float64{100, 99.9, 99.8, 99.7, 99.6},
		[]float64{100.1, 100.2, 100.3, 100.4, 100.5})
	client.SetKlines("BTCUSDT", rising(5, 95))

	cfg := testRiskConfig()
	patches := configpatch.NewMemoryStore(10)
	manager := orders.NewManager(client, patches, events.Discard{}, logging.Nop(),
		orders.WithClock(clock),
		orders.WithSleeper(func(context.Context, time.Duration) error { return nil }))

	return &fixture{
		client:  client,
		cfg:     cfg,
		patches: patches,
		sym:     config.SymbolConfig{Symbol: "BTCUSDT", Side: config.SideEither, Leverage: 20, BaseAmount: 0.01, ClosePosition: true},
		now:     &now,
		deps: Deps{
			Client:    client,
			Risk:      config.NewStaticRiskSource(cfg),
			Guard:     risk.NewGuard(logging.Nop()),
			Evaluator: signal.NewEvaluator(logging.Nop()),
			Orders:    manager,
			Patches:   patches,
			Logger:    logging.Nop(),
			Now:       func() time.Time { return now },
		},
	}
}

func (f *fixture) worker() *Worker {
	return NewWorker(f.deps, f.sym)
}

func TestTickPlacesEntryWithProfitLeg(t *testing.T) {
	f := newFixture(t)
	w := f.worker()

	st := w.Tick(context.Background())
	require.Empty(t, st.LastError)
	assert.Equal(t, int64(1), st.Ticks)
	assert.NotEmpty(t, st.LastTickID)
	assert.Equal(t, "buy", st.Direction)
	assert.True(t, st.SignalEnabled)
	assert.True(t, st.Operations)
	assert.True(t, st.EntryAllowed)

	require.Len(t, st.LastActions, 2)
	assert.Equal(t, "entry", st.LastActions[0].Intent)
	assert.Equal(t, "profit", st.LastActions[1].Intent)

	open := f.client.OpenOrders("BTCUSDT")
	require.Len(t, open, 2)
	assert.Equal(t, "BUY", open[0].Side)
	assert.InDelta(t, 99.6, open[0].Price, 1e-9)
	assert.InDelta(t, 0.051, open[0].OrigQty, 1e-9)
	assert.Equal(t, "SELL", open[1].Side)
	assert.InDelta(t, 104.58, open[1].Price, 1e-9)
	assert.Equal(t, orders.ProfitClientID(open[0].OrderId), open[1].ClientOrderId)
	assert.Len(t, f.client.Calls("Get24hrTicker"), 1, "signal confirmed against the snapshot ticker")

	assert.Equal(t, st, w.State())
}

func TestTickSkipsFundingWindow(t *testing.T) {
	f := newFixture(t)
	*f.now = time.Date(2024, 3, 1, 12, 59, 0, 0, time.UTC)
	f.deps.SkipFundingWindow = true
	w := f.worker()

	st := w.Tick(context.Background())
	assert.Equal(t, "funding window", st.Skipped)
	assert.Empty(t, f.client.Calls("GetAccountInfo"))
	assert.Empty(t, f.client.Calls("PlaceOrder"))
}

func TestTickErrorEndsTickCleanly(t *testing.T) {
	f := newFixture(t)
	w := f.worker()

	f.client.FailNext("GetAccountInfo", binance.NewAPIError("/fapi/v2/account", http.StatusServiceUnavailable, 0, "busy"))
	st := w.Tick(context.Background())
	assert.Contains(t, st.LastError, "fetching account")
	assert.Empty(t, f.client.Calls("PlaceOrder"))

	// the next tick starts from fresh state
	st = w.Tick(context.Background())
	assert.Empty(t, st.LastError)
	assert.Equal(t, int64(2), st.Ticks)
	assert.NotEmpty(t, f.client.Calls("PlaceOrder"))
}

func TestTickSweepsStaleEntries(t *testing.T) {
	f := newFixture(t)
	stale := f.client.AddOpenOrder(binance.FuturesOrder{
		Symbol:  "BTCUSDT",
		Side:    "BUY",
		Type:    "LIMIT",
		Price:   95,
		OrigQty: 0.1,
		Time:    testNow.Add(-2 * time.Minute).UnixMilli(),
	})
	w := f.worker()

	st := w.Tick(context.Background())
	require.Empty(t, st.LastError)
	require.NotEmpty(t, st.LastActions)
	assert.Equal(t, 1, st.LastActions[0].Cancelled)
	assert.Len(t, f.client.Calls("GetOpenOrders"), 2, "open orders re-read after the sweep")

	for _, o := range f.client.OpenOrders("BTCUSDT") {
		assert.NotEqual(t, stale, o.OrderId)
	}
}

func TestTickHonoursClosePosition(t *testing.T) {
	losingLong := func(f *fixture) {
		f.cfg.CloseLossPosition = true
		f.client.SetPositions("BTCUSDT", binance.FuturesPosition{
			PositionAmt: 1, EntryPrice: 100, Leverage: 20, PositionSide: binance.PositionSideBoth,
		})
		f.client.MarkToMarket("BTCUSDT", 90)
	}
	closes := func(f *fixture) []binance.Call {
		var out []binance.Call
		for _, c := range f.client.Calls("PlaceOrder") {
			if c.Params.ReduceOnly {
				out = append(out, c)
			}
		}
		return out
	}

	t.Run("enabled", func(t *testing.T) {
		f := newFixture(t)
		losingLong(f)

		st := f.worker().Tick(context.Background())
		require.Empty(t, st.LastError)
		calls := closes(f)
		require.Len(t, calls, 1)
		assert.Equal(t, binance.FuturesOrderTypeMarket, calls[0].Params.Type)
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t)
		f.sym.ClosePosition = false
		losingLong(f)

		st := f.worker().Tick(context.Background())
		require.Empty(t, st.LastError)
		assert.Empty(t, closes(f))

		var skipped bool
		for _, a := range st.LastActions {
			if a.Intent == string(orders.IntentForceClose) {
				assert.Equal(t, orders.SkipClosingDisabled, a.Skipped)
				skipped = true
			}
		}
		assert.True(t, skipped, "force close reported as skipped")
	})
}

func TestTickAppliesLeveragePatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.patches.Apply(context.Background(), configpatch.Patch{
		Symbol: "BTCUSDT", Leverage: 10, PreviousLeverage: 20, Reason: "leverage bracket", Source: "test",
	})
	require.NoError(t, err)

	st := f.worker().Tick(context.Background())
	assert.Equal(t, 10, st.Leverage)
}

func TestTickReadsCandleCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.client.SetKlines("BTCUSDT", nil)
	f.cfg.Candles.UseCache = true

	open, err := store.NewOpener(ctx, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "bot.db")}, logging.Nop())
	require.NoError(t, err)
	f.deps.Store = open

	upsert := func(updated time.Time) {
		require.NoError(t, open.With(ctx, func(s store.Store) error {
			for _, k := range rising(5, 95) {
				err := s.UpsertCandle(ctx, store.Candle{
					Symbol:    "BTCUSDT",
					Interval:  "1m",
					OpenTime:  time.UnixMilli(k.OpenTime),
					Open:      k.Open,
					High:      k.High,
					Low:       k.Low,
					Close:     k.Close,
					Volume:    k.Volume,
					CloseTime: time.UnixMilli(k.CloseTime),
					UpdatedAt: updated,
				})
				if err != nil {
					return err
				}
			}
			return nil
		}))
	}

	t.Run("fresh cache", func(t *testing.T) {
		upsert(testNow.Add(-10 * time.Second))
		st := f.worker().Tick(ctx)
		assert.Equal(t, "buy", st.Direction)
		assert.Empty(t, f.client.Calls("GetContinuousKlines"))
	})

	t.Run("stale cache falls back to REST", func(t *testing.T) {
		upsert(testNow.Add(-10 * time.Minute))
		st := f.worker().Tick(ctx)
		assert.Equal(t, "", st.Direction, "REST has no candles")
		assert.Len(t, f.client.Calls("GetContinuousKlines"), 1)
	})
}

func TestTickFeedsHourlyPnl(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	*f.now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	open, err := store.NewOpener(ctx, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "bot.db")}, logging.Nop())
	require.NoError(t, err)
	keeper := balance.NewBookkeeper(f.client, open, logging.Nop())
	keeper.SetClock(func() time.Time { return *f.now })
	f.deps.Balance = keeper
	w := f.worker()

	st := w.Tick(ctx)
	require.Empty(t, st.LastError)
	assert.Zero(t, st.PnlHour)

	f.client.SetAccount(binance.FuturesAccountInfo{
		CanTrade:           true,
		TotalWalletBalance: 1132,
		TotalMarginBalance: 1132,
		AvailableBalance:   1132,
	})
	*f.now = f.now.Add(5 * time.Minute)
	st = w.Tick(ctx)
	require.Empty(t, st.LastError)
	assert.Equal(t, 1.0, st.PnlHour)
}

func TestBootstrap(t *testing.T) {
	f := newFixture(t)
	f.sym.MarginType = "isolated"
	f.client.FailNext("SetMarginType",
		binance.NewAPIError("/fapi/v1/marginType", http.StatusBadRequest, binance.CodeNoNeedToChangeMargin, "No need to change margin type."))

	f.worker().Bootstrap(context.Background())
	assert.Equal(t, 20, f.client.Leverage("BTCUSDT"))
	calls := f.client.Calls("SetMarginType")
	require.Len(t, calls, 1)
	assert.Equal(t, "ISOLATED", calls[0].ID)
}

func TestLastFills(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.client.PlaceOrder(ctx, binance.FuturesOrderParams{
		Symbol:       "BTCUSDT",
		Side:         binance.SideBuy,
		PositionSide: binance.PositionSideLong,
		Type:         binance.FuturesOrderTypeMarket,
		Quantity:     0.1,
	})
	require.NoError(t, err)
	f.client.AddOpenOrder(binance.FuturesOrder{Symbol: "BTCUSDT", Side: "SELL", PositionSide: "SHORT", Type: "LIMIT"})

	fills, err := f.worker().lastFills(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, map[binance.PositionSide]time.Time{binance.PositionSideLong: time.UnixMilli(testNow.UnixMilli())}, fills)
}

func TestInFundingWindow(t *testing.T) {
	tests := []struct {
		at   string
		want bool
	}{
		{"04:57", false},
		{"04:58", true},
		{"04:59", true},
		{"05:00", false},
		{"12:58", true},
		{"20:59", true},
		{"21:30", false},
		{"10:59", false},
	}
	for _, tt := range tests {
		t.Run(tt.at, func(t *testing.T) {
			at, err := time.Parse("15:04", tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, InFundingWindow(at))
		})
	}
}
