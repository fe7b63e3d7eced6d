package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"perp-monitor/internal/events"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickAndEventCounters(t *testing.T) {
	m := New()
	m.ObserveTick("BTCUSDT", TickOK, 0.4)
	m.ObserveTick("BTCUSDT", TickOK, 1.2)
	m.ObserveTick("BTCUSDT", TickSkipped, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticks.WithLabelValues("BTCUSDT", TickOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("BTCUSDT", TickSkipped)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.tickDuration))

	ctx := context.Background()
	m.Publish(ctx, events.Event{Type: events.EventAccepted, Intent: "entry"})
	m.Publish(ctx, events.Event{Type: events.EventAccepted, Intent: "entry"})
	m.Publish(ctx, events.Event{Type: events.EventCancelled})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.orderEvents.WithLabelValues("accepted", "entry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orderEvents.WithLabelValues("cancelled", "unknown")))

	m.AddRateWaits(2, 0)
	m.AddRiskReloads(1, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rateWaits.WithLabelValues("park")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskReloads.WithLabelValues("failed")))
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.SetPnlHour(-1.5)
	m.SetPositionPnL("ETHUSDT", "LONG", 3.25)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "perp_pnl_hour_usdt -1.5")
	assert.Contains(t, string(body), `perp_position_upnl_usdt{side="LONG",symbol="ETHUSDT"} 3.25`)
}
