package signal

import (
	"testing"

	"perp-monitor/config"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candle(open, close float64) binance.Kline {
	high, low := open, close
	if close > open {
		high, low = close, open
	}
	return binance.Kline{Open: open, Close: close, High: high + 0.5, Low: low - 0.5}
}

func flat(closes ...float64) []binance.Kline {
	out := make([]binance.Kline, len(closes))
	for i, c := range closes {
		out[i] = candle(c, c)
	}
	return out
}

func sceneConfig() *config.RiskConfig {
	return &config.RiskConfig{
		Candles: config.CandleConfig{
			Interval:           "15m",
			Limit:              5,
			Consecutive:        3,
			ScalperLimit:       2,
			ScalperConsecutive: 1,
		},
	}
}

func tickerAt(last float64) binance.Futures24hrTicker {
	return binance.Futures24hrTicker{Symbol: "BTCUSDT", LastPrice: last}
}

func TestSceneProperties(t *testing.T) {
	rising := []binance.Kline{candle(100, 101), candle(101, 102), candle(102, 103), candle(103, 104), candle(104, 105)}
	falling := []binance.Kline{candle(105, 104), candle(104, 103), candle(103, 102), candle(102, 101), candle(101, 100)}
	mixed := []binance.Kline{candle(100, 101), candle(101, 100), candle(100, 101), candle(101, 100), candle(100, 101)}

	tests := []struct {
		name      string
		klines    []binance.Kline
		last      float64
		direction Direction
		enabled   bool
	}{
		{"monotonic rise", rising, 106, Buy, true},
		{"monotonic fall", falling, 99, Sell, true},
		{"mixed window", mixed, 101, None, false},
		{"rise rejected by live price", rising, 104, Buy, false},
		{"fall rejected by live price", falling, 100.5, Sell, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(logging.Nop())
			sig := e.Evaluate("BTCUSDT", tt.klines, tickerAt(tt.last), sceneConfig())
			assert.Equal(t, tt.direction, sig.Direction)
			assert.Equal(t, tt.enabled, sig.Enabled)
		})
	}
}

func TestSceneRequiresLastCandleAgreement(t *testing.T) {
	klines := []binance.Kline{candle(100, 101), candle(101, 102), candle(102, 103), candle(103, 104), candle(104, 103.5)}
	s := EvaluateScene(klines)
	assert.Equal(t, 3, s.Net)
	assert.Equal(t, Sell, s.Last)
	assert.Equal(t, None, s.Fire(3))
}

func TestHedgeModeSkipsTickerConfirmation(t *testing.T) {
	e := NewEvaluator(logging.Nop())
	cfg := sceneConfig()
	rising := []binance.Kline{candle(100, 101), candle(101, 102), candle(102, 103)}

	sig := e.Evaluate("BTCUSDT", rising, binance.Futures24hrTicker{}, cfg)
	assert.False(t, sig.Enabled)
	assert.Equal(t, "ticker unavailable", sig.Reason)

	cfg.Hedge.Enabled = true
	sig = e.Evaluate("BTCUSDT", rising, binance.Futures24hrTicker{}, cfg)
	assert.True(t, sig.Enabled)
	assert.Zero(t, sig.LastPrice)
}

func TestClosedOnlyDropsFormingCandle(t *testing.T) {
	e := NewEvaluator(logging.Nop())
	cfg := sceneConfig()
	cfg.Candles.Limit = 3
	cfg.Candles.ClosedOnly = true

	// the forming candle is bearish; only the three closed ones count
	klines := []binance.Kline{candle(100, 101), candle(101, 102), candle(102, 103), candle(103, 90)}
	sig := e.Evaluate("BTCUSDT", klines, tickerAt(200), cfg)
	assert.Equal(t, Buy, sig.Direction)
	assert.Equal(t, 103.0, sig.Close)
	assert.Equal(t, 4, WindowSize(cfg))
}

func TestRSIAndSMABearishGiveSell(t *testing.T) {
	cfg := sceneConfig()
	cfg.Candles.Limit = 3
	cfg.Candles.Consecutive = 2
	cfg.SMA = config.SMAConfig{Enabled: true, Periods: [3]int{2, 3, 8}}
	cfg.RSI = config.RSIConfig{Enabled: true, Period: 5, Short: 70, Long: 30}

	klines := flat(140, 140, 100, 103, 106, 109, 112, 108)
	sig := NewEvaluator(logging.Nop()).Evaluate("BTCUSDT", klines, tickerAt(107), cfg)

	assert.InDelta(t, 75, sig.RSI, 1e-9)
	assert.Equal(t, Sell, sig.Pressure)
	assert.Equal(t, Sell, sig.Trend)
	assert.Equal(t, Sell, sig.Direction)
	assert.True(t, sig.Enabled)
}

func TestCombine(t *testing.T) {
	both := sceneConfig()
	both.SMA.Enabled = true
	both.RSI.Enabled = true

	smaOnly := sceneConfig()
	smaOnly.SMA.Enabled = true

	tests := []struct {
		name     string
		cfg      *config.RiskConfig
		scene    Direction
		trend    Direction
		pressure Direction
		want     Direction
	}{
		{"filters off follow scene", sceneConfig(), Buy, Sell, Sell, Buy},
		{"trend and pressure agree", both, None, Sell, Sell, Sell},
		{"scene against agreeing filters", both, Buy, Sell, Sell, None},
		{"sma veto", smaOnly, Buy, None, None, None},
		{"sma confirms", smaOnly, Buy, Buy, None, Buy},
		{"rsi veto", both, Buy, Buy, Sell, None},
		{"neutral rsi lets scene through", both, Buy, Buy, None, Buy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := combine(tt.scene, tt.trend, tt.pressure, tt.cfg)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDistortionGates(t *testing.T) {
	cfg := config.DistortionConfig{Enabled: true, MinPercent: 0.2, MaxPercent: 2, StopPercent: 1}

	assert.Equal(t, "sma gap below minimum", distortion([3]float64{100, 100.1, 100.2}, cfg))
	assert.Equal(t, "sma gap above maximum", distortion([3]float64{100, 101, 104}, cfg))
	assert.Empty(t, distortion([3]float64{100, 101, 102}, cfg))
}

func TestStopViaSMA(t *testing.T) {
	cfg := sceneConfig()
	cfg.Hedge.Enabled = true
	cfg.SMA = config.SMAConfig{Enabled: true, Periods: [3]int{2, 3, 4}}
	cfg.Distortion = config.DistortionConfig{Enabled: true, MinPercent: 0, MaxPercent: 50, StopPercent: 1}

	e := NewEvaluator(logging.Nop())
	sig := e.Evaluate("BTCUSDT", flat(100, 100, 100, 90), tickerAt(0), cfg)
	assert.True(t, sig.StopViaSMA)

	sig = e.Evaluate("BTCUSDT", flat(100, 100, 100, 100), tickerAt(0), cfg)
	assert.False(t, sig.StopViaSMA)
}

func TestIndicators(t *testing.T) {
	klines := flat(1, 2, 3, 4, 5)
	assert.Equal(t, 4.0, CalculateSMA(klines, 3))
	assert.Equal(t, 0.0, CalculateSMA(klines, 6))
	assert.Equal(t, 100.0, CalculateRSI(klines, 4))
	assert.Equal(t, 50.0, CalculateRSI(klines, 5))
	assert.Equal(t, 50.0, CalculateRSI(flat(3, 3, 3), 2))

	low, high := Extremes([]binance.Kline{candle(10, 12), candle(12, 9)})
	assert.Equal(t, 8.5, low)
	assert.Equal(t, 12.5, high)

	require.InDelta(t, 5.0, Percentage(100, 95), 1e-12)
	require.InDelta(t, 5.0, Divergence(100, 105), 1e-12)
}
