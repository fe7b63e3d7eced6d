// Package metrics exposes Prometheus instruments for the monitor:
//
//   - perp_ticks_total{symbol,result}          ticks run, skipped or failed
//   - perp_tick_duration_seconds{symbol}       wall time of a completed tick
//   - perp_order_events_total{type,intent}     order lifecycle transitions
//   - perp_position_upnl_usdt{symbol,side}     unrealized PnL per position row
//   - perp_pnl_hour_usdt                       stored hourly PnL
//   - perp_rate_limit_waits_total{kind}        governor parks and paces
//   - perp_risk_reloads_total{result}          risk config reloads
package metrics

import (
	"context"
	"net/http"

	"perp-monitor/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tick results
const (
	TickOK      = "ok"
	TickSkipped = "skipped"
	TickFailed  = "failed"
)

// Metrics owns a private registry so several instances can coexist in tests
type Metrics struct {
	registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	orderEvents  *prometheus.CounterVec
	upnl         *prometheus.GaugeVec
	pnlHour      prometheus.Gauge
	rateWaits    *prometheus.CounterVec
	riskReloads  *prometheus.CounterVec
}

// New creates and registers every instrument
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perp_ticks_total",
				Help: "Symbol ticks by result",
			},
			[]string{"symbol", "result"},
		),
		tickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perp_tick_duration_seconds",
				Help:    "Duration of completed symbol ticks",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"symbol"},
		),
		orderEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perp_order_events_total",
				Help: "Order lifecycle transitions",
			},
			[]string{"type", "intent"},
		),
		upnl: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perp_position_upnl_usdt",
				Help: "Unrealized PnL per position row",
			},
			[]string{"symbol", "side"},
		),
		pnlHour: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "perp_pnl_hour_usdt",
				Help: "Hourly PnL from the balance history",
			},
		),
		rateWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perp_rate_limit_waits_total",
				Help: "Rate governor waits by kind (park, pace)",
			},
			[]string{"kind"},
		),
		riskReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perp_risk_reloads_total",
				Help: "Risk config reloads by result",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		m.ticks, m.tickDuration, m.orderEvents, m.upnl, m.pnlHour, m.rateWaits, m.riskReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the text exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTick records one tick; duration is only observed for completed ticks
func (m *Metrics) ObserveTick(symbol, result string, seconds float64) {
	m.ticks.WithLabelValues(symbol, result).Inc()
	if result == TickOK {
		m.tickDuration.WithLabelValues(symbol).Observe(seconds)
	}
}

// SetPositionPnL records the unrealized PnL of a position row
func (m *Metrics) SetPositionPnL(symbol, side string, upnl float64) {
	m.upnl.WithLabelValues(symbol, side).Set(upnl)
}

// SetPnlHour records the stored hourly PnL
func (m *Metrics) SetPnlHour(v float64) {
	m.pnlHour.Set(v)
}

// AddRateWaits adds governor waits since the previous call
func (m *Metrics) AddRateWaits(parked, paced int64) {
	if parked > 0 {
		m.rateWaits.WithLabelValues("park").Add(float64(parked))
	}
	if paced > 0 {
		m.rateWaits.WithLabelValues("pace").Add(float64(paced))
	}
}

// AddRiskReloads adds config reload results since the previous call
func (m *Metrics) AddRiskReloads(ok, failed int64) {
	if ok > 0 {
		m.riskReloads.WithLabelValues("ok").Add(float64(ok))
	}
	if failed > 0 {
		m.riskReloads.WithLabelValues("failed").Add(float64(failed))
	}
}

// Publish counts an order lifecycle event; Metrics is an events.Sink
func (m *Metrics) Publish(_ context.Context, e events.Event) {
	intent := e.Intent
	if intent == "" {
		intent = "unknown"
	}
	m.orderEvents.WithLabelValues(string(e.Type), intent).Inc()
}

var _ events.Sink = (*Metrics)(nil)
