package signal

import (
	"math"

	"perp-monitor/internal/binance"
)

// CalculateSMA calculates the Simple Moving Average of the last period closes
func CalculateSMA(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}

	sum := 0.0
	startIdx := len(klines) - period

	for i := startIdx; i < len(klines); i++ {
		sum += klines[i].Close
	}

	return sum / float64(period)
}

// CalculateRSI calculates the Relative Strength Index over the last period changes
func CalculateRSI(klines []binance.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 50.0 // Neutral RSI
	}

	gains := 0.0
	losses := 0.0

	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// Percentage is the signed distance of b from a, in percent of a
func Percentage(a, b float64) float64 {
	if a == 0 {
		return 0
	}
	return (a - b) / a * 100
}

// Divergence is the absolute percentage distance between two prices
func Divergence(a, b float64) float64 {
	return math.Abs(Percentage(a, b))
}

// Extremes returns the lowest low and highest high of a window
func Extremes(klines []binance.Kline) (low, high float64) {
	for i, k := range klines {
		if i == 0 || k.Low < low {
			low = k.Low
		}
		if k.High > high {
			high = k.High
		}
	}
	return low, high
}
