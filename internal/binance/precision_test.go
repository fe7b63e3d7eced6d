package binance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lotInstrument(step, minQty string) Instrument {
	return Instrument{
		Symbol:   "TESTUSDT",
		TickSize: decimal.RequireFromString("0.01"),
		StepSize: decimal.RequireFromString(step),
		MinQty:   decimal.RequireFromString(minQty),
	}
}

func TestPartialClose(t *testing.T) {
	tests := []struct {
		name    string
		inst    Instrument
		amount  float64
		percent float64
		want    float64
	}{
		{"half of ten", lotInstrument("1", "1"), 10, 50, 5},
		{"rounds down to the step", lotInstrument("1", "1"), 7, 50, 3},
		{"below min qty bumps up", lotInstrument("0.1", "0.5"), 1.2, 25, 0.5},
		{"untradable remainder closes all", lotInstrument("0.1", "0.5"), 0.9, 50, 0.9},
		{"full percent closes all", lotInstrument("1", "1"), 10, 100, 10},
		{"zero percent closes all", lotInstrument("1", "1"), 10, 0, 10},
		{"min qty above amount closes all", lotInstrument("1", "5"), 4, 50, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.inst.PartialClose(tt.amount, tt.percent), 1e-9)
		})
	}
}

func TestRounding(t *testing.T) {
	inst := lotInstrument("0.001", "0.001")

	assert.InDelta(t, 101.23, inst.RoundPrice(101.2349), 1e-9)
	assert.InDelta(t, 101.24, inst.RoundPrice(101.2351), 1e-9)
	assert.InDelta(t, 0.123, inst.FloorQty(0.12399), 1e-9)
	assert.InDelta(t, 0.124, inst.CeilQty(0.12301), 1e-9)
	assert.True(t, inst.Tradable(0.001))
	assert.False(t, inst.Tradable(0.0004))
	assert.False(t, inst.Tradable(0))
}

func TestInstrumentFromInfo(t *testing.T) {
	info := FuturesSymbolInfo{
		Symbol:            "BTCUSDT",
		PricePrecision:    2,
		QuantityPrecision: 3,
		Filters: []FuturesSymbolFilter{
			{FilterType: "PRICE_FILTER", TickSize: "0.10"},
			{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001"},
			{FilterType: "MIN_NOTIONAL", Notional: "100"},
		},
	}

	inst, err := InstrumentFromInfo(info)
	require.NoError(t, err)
	assert.True(t, inst.TickSize.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, inst.StepSize.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, inst.MinNotional.Equal(decimal.NewFromInt(100)))

	// filters missing: fall back to the advertised precision
	inst, err = InstrumentFromInfo(FuturesSymbolInfo{Symbol: "XUSDT", PricePrecision: 4, QuantityPrecision: 0})
	require.NoError(t, err)
	assert.True(t, inst.TickSize.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, inst.StepSize.Equal(decimal.NewFromInt(1)))

	_, err = InstrumentFromInfo(FuturesSymbolInfo{
		Symbol:  "BAD",
		Filters: []FuturesSymbolFilter{{FilterType: "PRICE_FILTER", TickSize: "abc"}},
	})
	assert.Error(t, err)
}

func TestDecimals(t *testing.T) {
	assert.Equal(t, int32(0), Decimals(5))
	assert.Equal(t, int32(0), Decimals(10))
	assert.Equal(t, int32(3), Decimals(0.001))
	assert.Equal(t, int32(1), Decimals(2.5))
}
