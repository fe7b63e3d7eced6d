package configpatch

import (
	"context"
	"testing"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/faults"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreApplyAndAudit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	_, err := s.Get(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, ErrNotFound)

	for i, lev := range []int{20, 15, 10} {
		p, err := s.Apply(ctx, Patch{Symbol: "BTCUSDT", Leverage: lev, PreviousLeverage: 25 - 5*i, Source: SourceLeverageBracket})
		require.NoError(t, err)
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, s.now(), p.AppliedAt)
	}

	got, err := s.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Leverage)

	audit, err := s.Audit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, audit, 2, "audit is capped")
	assert.Equal(t, 10, audit[0].Leverage)
	assert.Equal(t, 15, audit[1].Leverage)
}

func TestPatchValidation(t *testing.T) {
	tests := []struct {
		name  string
		patch Patch
	}{
		{"missing symbol", Patch{Leverage: 10}},
		{"zero leverage", Patch{Symbol: "ETHUSDT"}},
		{"leverage above exchange max", Patch{Symbol: "ETHUSDT", Leverage: 200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMemoryStore(0).Apply(context.Background(), tt.patch)
			assert.True(t, faults.Is(err, faults.ConfigurationInvalid))
		})
	}
}

func TestOverlay(t *testing.T) {
	ctx := context.Background()
	sym := config.SymbolConfig{Symbol: "BTCUSDT", Leverage: 25, BaseAmount: 0.01}

	got, err := Overlay(ctx, nil, sym)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Leverage)

	s := NewMemoryStore(0)
	got, err = Overlay(ctx, s, sym)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Leverage)

	_, err = s.Apply(ctx, Patch{Symbol: "BTCUSDT", Leverage: 20})
	require.NoError(t, err)
	got, err = Overlay(ctx, s, sym)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Leverage)
	assert.Equal(t, 25, sym.Leverage, "configured value is untouched")
}

func TestPatchFromHash(t *testing.T) {
	applied := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := patchFromHash("BTCUSDT", map[string]string{
		"id":                "abc",
		"leverage":          "20",
		"previous_leverage": "25",
		"source":            SourceLeverageBracket,
		"applied_at":        applied.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	assert.Equal(t, Patch{ID: "abc", Symbol: "BTCUSDT", Leverage: 20, PreviousLeverage: 25, Source: SourceLeverageBracket, AppliedAt: applied}, p)

	_, err = patchFromHash("BTCUSDT", map[string]string{"leverage": "x"})
	assert.Error(t, err)
	assert.Equal(t, "perp:patch:BTCUSDT", patchKey("BTCUSDT"))
}
