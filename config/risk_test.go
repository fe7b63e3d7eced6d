package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"perp-monitor/internal/faults"
	"perp-monitor/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRiskYAML = `
margin_account: 5
margin_symbol: 10
margin_individual_min: 5
margin_individual_max: 50
pnl_hour: 3
price_change_percent: 8
max_try: 3
retry_delay: 1s
gain:
  base: 100
  additional: 20
loss:
  base: 200
  additional: 40
max_orders: 2
timeout_order: 30
order:
  multiple_order: 1
candles:
  interval: 15m
  limit: 5
  consecutive: 2
sma:
  enabled: true
  periods: [3, 7, 14]
rsi:
  enabled: true
  period: 14
  short: 70
  long: 30
`

func TestParseRiskConfig(t *testing.T) {
	cfg, err := ParseRiskConfig([]byte(validRiskYAML))
	require.NoError(t, err)

	assert.Equal(t, 5.0, cfg.MarginAccount)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, [3]int{3, 7, 14}, cfg.SMA.Periods)
	assert.Equal(t, 3.0, cfg.Timeouts.ClosePosition)
	assert.Equal(t, 1.0, cfg.Timeouts.Entry)
	assert.Equal(t, 1.0, cfg.MultiplePercentGain)
	assert.False(t, cfg.DisableOperations)
}

func TestParseRiskConfigMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		missing string
	}{
		{"empty document", "{}", "max_try"},
		{"rsi thresholds inverted", strings.Replace(validRiskYAML, "short: 70", "short: 20", 1), "rsi.short/long"},
		{"margin floor above ceiling", strings.Replace(validRiskYAML, "margin_individual_min: 5", "margin_individual_min: 80", 1), "margin_individual_min"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRiskConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, faults.Is(err, faults.ConfigurationInvalid))
			assert.Contains(t, err.Error(), tt.missing)
		})
	}
}

func TestRiskSourceKeepsLastKnownGood(t *testing.T) {
	good := true
	reads := 0
	s := &RiskSource{
		path:       "risk.yaml",
		maxRetries: 2,
		retryDelay: time.Millisecond,
		logger:     logging.Nop(),
		read: func(string) ([]byte, error) {
			reads++
			if good {
				return []byte(validRiskYAML), nil
			}
			return []byte("max_try: 0"), nil
		},
	}

	require.NoError(t, s.Reload(context.Background()))
	first := s.Current()
	require.NotNil(t, first)

	good = false
	reads = 0
	err := s.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, reads, "one attempt plus two retries")
	assert.Same(t, first, s.Current())

	reloads, failures := s.Stats()
	assert.Equal(t, int64(1), reloads)
	assert.Equal(t, int64(1), failures)
}

func TestRiskSourceRecoversOnRetry(t *testing.T) {
	calls := 0
	s := &RiskSource{
		path:       "risk.yaml",
		maxRetries: 3,
		retryDelay: time.Millisecond,
		logger:     logging.Nop(),
		read: func(string) ([]byte, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("file busy")
			}
			return []byte(validRiskYAML), nil
		},
	}

	require.NoError(t, s.Reload(context.Background()))
	assert.Equal(t, 3, calls)
	assert.NotNil(t, s.Current())
}
