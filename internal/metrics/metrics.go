// Package metrics exposes Prometheus collectors for the trading engine. All
// methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	orders        *prometheus.CounterVec
	fills         *prometheus.CounterVec
	verifyTimeout *prometheus.CounterVec
	exits         *prometheus.CounterVec
	phantoms      prometheus.Counter
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	openPositions prometheus.Gauge
	quoteBalance  prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotbot_orders_submitted_total",
				Help: "Orders submitted to the exchange",
			},
			[]string{"side"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotbot_fills_confirmed_total",
				Help: "Orders whose fill was confirmed in order history",
			},
			[]string{"side"},
		),
		verifyTimeout: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotbot_fill_verification_timeouts_total",
				Help: "Orders never seen in order history within the verification budget",
			},
			[]string{"side"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotbot_position_exits_total",
				Help: "Closed positions split by close reason",
			},
			[]string{"reason"},
		),
		phantoms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spotbot_phantom_positions_total",
			Help: "Positions closed locally for lack of exchange evidence",
		}),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotbot_cycles_total",
				Help: "Trade cycles run, split by result",
			},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spotbot_cycle_duration_seconds",
			Help:    "Wall time of one trade cycle",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotbot_open_positions",
			Help: "OPEN positions in the ledger",
		}),
		quoteBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotbot_quote_balance",
			Help: "Last observed free quote balance",
		}),
	}
	m.registry.MustRegister(
		m.orders, m.fills, m.verifyTimeout, m.exits, m.phantoms,
		m.cycles, m.cycleDuration, m.openPositions, m.quoteBalance,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) OrderSubmitted(side string) {
	if m != nil {
		m.orders.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) FillConfirmed(side string) {
	if m != nil {
		m.fills.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) VerificationTimeout(side string) {
	if m != nil {
		m.verifyTimeout.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) PositionClosed(reason string) {
	if m != nil {
		m.exits.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) PhantomClosed(n int) {
	if m != nil && n > 0 {
		m.phantoms.Add(float64(n))
	}
}

// CycleFinished records one cycle's outcome and duration.
func (m *Metrics) CycleFinished(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SetOpenPositions(n int) {
	if m != nil {
		m.openPositions.Set(float64(n))
	}
}

func (m *Metrics) SetQuoteBalance(v float64) {
	if m != nil {
		m.quoteBalance.Set(v)
	}
}
