// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	commands *prometheus.CounterVec
	events   *prometheus.CounterVec
	trades   *prometheus.CounterVec
	halted   *prometheus.GaugeVec
	outbox   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermatch_commands_total",
				Help: "Commands processed, by instrument, type and outcome",
			},
			[]string{"instrument", "command_type", "outcome"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermatch_events_total",
				Help: "Events emitted, by instrument and type",
			},
			[]string{"instrument", "event_type"},
		),
		trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermatch_trades_total",
				Help: "Trades executed, by instrument",
			},
			[]string{"instrument"},
		),
		halted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ordermatch_instrument_halted",
				Help: "1 when an instrument's command loop has halted",
			},
			[]string{"instrument"},
		),
		outbox: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermatch_outbox_published_total",
				Help: "Outbox events handed to the broker, by outcome",
			},
			[]string{"outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ordermatch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ordermatch_http_request_duration_seconds",
				Help:    "Histogram of response latency (seconds) for HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
	m.registry.MustRegister(
		m.commands, m.events, m.trades, m.halted, m.outbox,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) CommandProcessed(instrument string, typ domain.CommandType, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(instrument, string(typ), outcome).Inc()
}

func (m *Metrics) EventsEmitted(events []domain.Event) {
	if m == nil {
		return
	}
	for _, ev := range events {
		m.events.WithLabelValues(ev.InstrumentID, string(ev.EventType)).Inc()
	}
}

func (m *Metrics) TradesExecuted(instrument string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.trades.WithLabelValues(instrument).Add(float64(n))
}

func (m *Metrics) SetHalted(instrument string) {
	if m == nil {
		return
	}
	m.halted.WithLabelValues(instrument).Set(1)
}

func (m *Metrics) OutboxPublished(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.outbox.WithLabelValues(outcome).Add(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
