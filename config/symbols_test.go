package config

import (
	"testing"

	"perp-monitor/internal/faults"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSymbols(t *testing.T) {
	data := []byte(`
symbols:
  - symbol: btcusdt
    side: BUY
    leverage: 20
    base_amount: 0.001
    close_position: true
  - symbol: ETHUSDT
    leverage: 50
    base_amount: 0.01
    scalper: true
`)
	symbols, err := ParseSymbols(data)
	require.NoError(t, err)
	require.Len(t, symbols, 2)

	assert.Equal(t, "BTCUSDT", symbols[0].Symbol)
	assert.Equal(t, SideBuy, symbols[0].Side)
	assert.Equal(t, "ISOLATED", symbols[0].MarginType)
	assert.Equal(t, SideEither, symbols[1].Side)
	assert.True(t, symbols[1].AllowsSide("sell"))
	assert.False(t, symbols[0].AllowsSide("sell"))
}

func TestParseSymbolsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no symbols", "symbols: []"},
		{"missing leverage", "symbols: [{symbol: BTCUSDT, base_amount: 1}]"},
		{"bad side", "symbols: [{symbol: BTCUSDT, side: up, leverage: 10, base_amount: 1}]"},
		{"duplicate", "symbols: [{symbol: BTCUSDT, leverage: 10, base_amount: 1}, {symbol: btcusdt, leverage: 5, base_amount: 1}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSymbols([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, faults.Is(err, faults.ConfigurationInvalid))
		})
	}
}

func TestShard(t *testing.T) {
	symbols := []SymbolConfig{{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}, {Symbol: "D"}}

	tests := []struct {
		name       string
		start, end int
		want       []string
	}{
		{"whole list", 0, 0, []string{"A", "B", "C", "D"}},
		{"middle", 1, 3, []string{"B", "C"}},
		{"end past list", 2, 10, []string{"C", "D"}},
		{"empty range", 3, 3, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, s := range Shard(symbols, tt.start, tt.end) {
				got = append(got, s.Symbol)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
