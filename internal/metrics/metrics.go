// Package metrics exposes Prometheus metrics for the execution service.
//
//   - trader_placements_total{backend,outcome}  placement attempts by outcome
//   - trader_placement_seconds{backend}         wall time of a placement
//   - trader_restarts_total{backend}            browser restarts
//   - trader_interstitials_cleared_total        dialogs dismissed before a trade
//   - trader_broker_state{state}                1 for the current brokerage state
//   - trader_http_requests_total{route,code}    front-end requests
//   - trader_watchdog_alerts_total{component}   components turning unhealthy
//
// Metrics live on a private registry so tests and multiple servers never
// collide on the global one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"terminal-trader/internal/execution"
	"terminal-trader/internal/models"
)

var brokerStates = []models.BrokerState{
	models.BrokerDisconnected,
	models.BrokerConnected,
	models.BrokerUnverified,
	models.BrokerFailed,
}

// Metrics records controller and server events.
type Metrics struct {
	registry *prometheus.Registry

	placements    *prometheus.CounterVec
	placementTime *prometheus.HistogramVec
	restarts      *prometheus.CounterVec
	interstitials prometheus.Counter
	brokerState   *prometheus.GaugeVec
	requests      *prometheus.CounterVec
	alerts        *prometheus.CounterVec
}

var _ execution.Observer = (*Metrics)(nil)

// New creates and registers all collectors. withRuntime adds the Go and
// process collectors.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		placements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_placements_total",
				Help: "Placement attempts by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		placementTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trader_placement_seconds",
				Help:    "Wall time of a placement attempt",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			},
			[]string{"backend"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_restarts_total",
				Help: "Browser restarts after connectivity faults",
			},
			[]string{"backend"},
		),
		interstitials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trader_interstitials_cleared_total",
				Help: "Interstitial dialogs dismissed",
			},
		),
		brokerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trader_broker_state",
				Help: "Brokerage connection state (1 = current)",
			},
			[]string{"state"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trader_watchdog_alerts_total",
				Help: "Watchdog alerts by component",
			},
			[]string{"component"},
		),
	}

	m.registry.MustRegister(m.placements, m.placementTime, m.restarts, m.interstitials, m.brokerState, m.requests, m.alerts)
	if withRuntime {
		m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m.BrokerState(models.BrokerDisconnected)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PlacementFinished(backend, outcome string, elapsed time.Duration) {
	m.placements.WithLabelValues(backend, outcome).Inc()
	m.placementTime.WithLabelValues(backend).Observe(elapsed.Seconds())
}

func (m *Metrics) Restarted(backend string) {
	m.restarts.WithLabelValues(backend).Inc()
}

func (m *Metrics) InterstitialsCleared(n int) {
	if n > 0 {
		m.interstitials.Add(float64(n))
	}
}

// BrokerState sets the gauge for state to 1 and every other state to 0.
func (m *Metrics) BrokerState(state models.BrokerState) {
	for _, s := range brokerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.brokerState.WithLabelValues(string(s)).Set(v)
	}
}

// RequestServed counts one front-end request.
func (m *Metrics) RequestServed(route string, code int) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// WatchdogAlert counts one component turning unhealthy.
func (m *Metrics) WatchdogAlert(component string) {
	m.alerts.WithLabelValues(component).Inc()
}
