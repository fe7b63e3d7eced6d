// Package signal turns a candle window into a directional entry signal.
package signal

import (

	"perp-monitor/config"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/logging"
)

// Direction of a signal
type Direction string

const (
	None Direction = ""
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Opposite returns the other direction, None stays None
func (d Direction) Opposite() Direction {
	switch d {
	case Buy:
		return Sell
	case Sell:
		return Buy
	}
	return None
}

// Signal is the evaluator's verdict for one tick
type Signal struct {
	Direction        Direction
	Enabled          bool
	StopViaSMA       bool
	ScalperDirection Direction
	ScalperEnabled   bool

	Close      float64 // close of the newest candle in the scene window
	LastPrice  float64 // 24h ticker last price, zero in hedge mode
	WindowLow  float64
	WindowHigh float64
	SMA        [3]float64
	RSI        float64
	Trend      Direction
	Pressure   Direction
	Reason     string
}

// Scene is the momentum classification of a window
type Scene struct {
	Up    int
	Down  int
	Net   int
	Last  Direction
	Close float64
}

// EvaluateScene classifies a window: net = up - down
func EvaluateScene(klines []binance.Kline) Scene {
	var s Scene
	for _, k := range klines {
		if k.Bullish() {
			s.Up++
			s.Net++
		}
		if k.Bearish() {
			s.Down++
			s.Net--
		}
	}
	if len(klines) == 0 {
		return s
	}

	last := klines[len(klines)-1]
	s.Close = last.Close
	switch {
	case last.Bullish():
		s.Last = Buy
	case last.Bearish():
		s.Last = Sell
	}
	return s
}

// Fire returns the direction the scene points to at the given consecutive
// threshold; the newest candle must agree.
func (s Scene) Fire(consecutive int) Direction {
	if s.Net >= consecutive && s.Last == Buy {
		return Buy
	}
	if s.Net <= -consecutive && s.Last == Sell {
		return Sell
	}
	return None
}

// Evaluator computes signals. It holds no per-symbol state.
type Evaluator struct {
	logger *logging.Logger
}

// NewEvaluator creates an evaluator
func NewEvaluator(logger *logging.Logger) *Evaluator {
	return &Evaluator{logger: logger.WithComponent("signal")}
}

// WindowSize is how many candles must be fetched so that the scene and
// every enabled indicator have enough history.
func WindowSize(cfg *config.RiskConfig) int {
	n := cfg.Candles.Limit
	if cfg.Candles.ScalperLimit > n {
		n = cfg.Candles.ScalperLimit
	}
	if cfg.SMA.Enabled {
		for _, p := range cfg.SMA.Periods {
			if p > n {
				n = p
			}
		}
	}
	if cfg.RSI.Enabled && cfg.RSI.Period+1 > n {
		n = cfg.RSI.Period + 1
	}
	if cfg.Candles.ClosedOnly {
		n++
	}
	return n
}

// Evaluate computes the signal of symbol from klines (oldest first) and
// the tick's ticker. The ticker is only consulted outside hedge mode.
func (e *Evaluator) Evaluate(symbol string, klines []binance.Kline, ticker binance.Futures24hrTicker, cfg *config.RiskConfig) Signal {
	var sig Signal
	if len(klines) == 0 {
		sig.Reason = "no candles"
		return sig
	}

	// indicators see the forming candle, the scene only closed ones
	indicators := klines
	closed := klines
	if cfg.Candles.ClosedOnly && len(closed) > 1 {
		closed = closed[:len(closed)-1]
	}

	price := indicators[len(indicators)-1].Close
	if cfg.SMA.Enabled {
		for i, p := range cfg.SMA.Periods {
			sig.SMA[i] = CalculateSMA(indicators, p)
		}
		sig.Trend = trend(price, sig.SMA)
	}
	if cfg.RSI.Enabled {
		sig.RSI = CalculateRSI(indicators, cfg.RSI.Period)
		sig.Pressure = pressure(sig.RSI, cfg.RSI)
	}

	window := tail(closed, cfg.Candles.Limit)
	sig.WindowLow, sig.WindowHigh = Extremes(window)

	scene := EvaluateScene(window)
	sig.Close = scene.Close
	sig.Direction, sig.Reason = combine(scene.Fire(cfg.Candles.Consecutive), sig.Trend, sig.Pressure, cfg)
	sig.Enabled = sig.Direction != None

	scalper := EvaluateScene(tail(closed, cfg.Candles.ScalperLimit))
	sig.ScalperDirection = scalper.Fire(cfg.Candles.ScalperConsecutive)
	sig.ScalperEnabled = sig.ScalperDirection != None

	if cfg.SMA.Enabled && cfg.Distortion.Enabled {
		if reason := distortion(sig.SMA, cfg.Distortion); reason != "" && sig.Enabled {
			sig.Enabled = false
			sig.Reason = reason
		}
		if cfg.Distortion.StopPercent > 0 && sig.SMA[0] > 0 {
			sig.StopViaSMA = Divergence(price, sig.SMA[0]) >= cfg.Distortion.StopPercent
		}
	}

	if sig.Enabled && !cfg.Hedge.Enabled {
		e.confirm(symbol, ticker, &sig)
	}

	e.logger.WithFields(map[string]interface{}{
		"symbol":    symbol,
		"direction": string(sig.Direction),
		"enabled":   sig.Enabled,
		"rsi":       sig.RSI,
		"trend":     string(sig.Trend),
		"scene_net": scene.Net,
	}).Debug("signal evaluated: %s", sig.Reason)
	return sig
}

// confirm checks the candle direction against the live ticker price
func (e *Evaluator) confirm(symbol string, ticker binance.Futures24hrTicker, sig *Signal) {
	if ticker.LastPrice <= 0 {
		e.logger.WithField("symbol", symbol).Warn("ticker has no last price, signal disabled")
		sig.Enabled = false
		sig.Reason = "ticker unavailable"
		return
	}
	sig.LastPrice = ticker.LastPrice

	if sig.Direction == Buy && ticker.LastPrice < sig.Close {
		sig.Enabled = false
		sig.Reason = "last price below signal close"
	}
	if sig.Direction == Sell && ticker.LastPrice > sig.Close {
		sig.Enabled = false
		sig.Reason = "last price above signal close"
	}
}

// combine merges the scene with the enabled trend filters. Trend and
// pressure that agree decide on their own; otherwise the scene decides
// and any enabled filter may veto it.
func combine(scene, trend, pressure Direction, cfg *config.RiskConfig) (Direction, string) {
	if cfg.SMA.Enabled && cfg.RSI.Enabled && trend != None && trend == pressure {
		if scene != None && scene != trend {
			return None, "scene against trend and rsi"
		}
		return trend, "trend and rsi agree"
	}

	if scene == None {
		return None, "no scene"
	}
	if cfg.SMA.Enabled && trend != scene {
		return None, "sma trend disagrees"
	}
	if cfg.RSI.Enabled && pressure == scene.Opposite() {
		return None, "rsi pressure disagrees"
	}
	return scene, "scene"
}

func trend(price float64, sma [3]float64) Direction {
	above, below := 0, 0
	for _, v := range sma {
		if v == 0 {
			return None
		}
		if price > v {
			above++
		}
		if price < v {
			below++
		}
	}
	switch {
	case above == len(sma):
		return Buy
	case below == len(sma):
		return Sell
	}
	return None
}

func pressure(rsi float64, cfg config.RSIConfig) Direction {
	switch {
	case rsi >= cfg.Short:
		return Sell
	case rsi <= cfg.Long:
		return Buy
	}
	return None
}

// distortion rejects flat and over-extended markets; it returns the reason
// or "" when both adjacent SMA gaps are inside [min, max].
func distortion(sma [3]float64, cfg config.DistortionConfig) string {
	for i := 0; i < len(sma)-1; i++ {
		gap := Divergence(sma[i], sma[i+1])
		if gap < cfg.MinPercent {
			return "sma gap below minimum"
		}
		if gap > cfg.MaxPercent {
			return "sma gap above maximum"
		}
	}
	return ""
}

func tail(klines []binance.Kline, n int) []binance.Kline {
	if n <= 0 || len(klines) <= n {
		return klines
	}
	return klines[len(klines)-n:]
}
