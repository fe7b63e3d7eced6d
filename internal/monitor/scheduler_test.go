package monitor

import (
	"context"
	"testing"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/events"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/orders"
	"perp-monitor/internal/risk"
	"perp-monitor/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerTicksEveryWorker(t *testing.T) {
	client := binance.NewFuturesMockClient(1000)
	deps := Deps{
		Client:    client,
		Risk:      config.NewStaticRiskSource(testRiskConfig()),
		Guard:     risk.NewGuard(logging.Nop()),
		Evaluator: signal.NewEvaluator(logging.Nop()),
		Orders:    orders.NewManager(client, nil, events.Discard{}, logging.Nop()),
		Logger:    logging.Nop(),
	}
	var workers []*Worker
	for _, s := range []string{"ETHUSDT", "BTCUSDT"} {
		workers = append(workers, NewWorker(deps, config.SymbolConfig{Symbol: s, Side: config.SideEither, Leverage: 10, BaseAmount: 1}))
	}

	s := NewScheduler(workers, 10*time.Millisecond, 5*time.Millisecond, logging.Nop())
	s.Start(context.Background())
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		for _, st := range s.States() {
			if st.Ticks < 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	states := s.States()
	require.Len(t, states, 2)
	assert.Equal(t, "BTCUSDT", states[0].Symbol)
	assert.Equal(t, "ETHUSDT", states[1].Symbol)
	// no ticker is installed, so every tick ends early without failing the worker
	assert.Contains(t, states[0].LastError, "fetching ticker")
	assert.Len(t, client.Calls("SetLeverage"), 2, "bootstrap runs once per worker")

	ticks := states[0].Ticks
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, ticks, s.States()[0].Ticks, "no ticks after Stop")
}
