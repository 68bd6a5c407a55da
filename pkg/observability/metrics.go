// Package observability holds the Prometheus metrics this engine
// drives, named for the client engine's own events (connect attempts,
// query lifecycle, disconnects).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vela-db/pgengine/pkg/engine"
)

// Metrics holds every Prometheus metric this engine records. It
// implements engine.Metrics, so an *Engine can be constructed with it
// directly as Options.Metrics.
type Metrics struct {
	connectTotal   *prometheus.CounterVec
	connectionsUp  prometheus.Gauge
	queriesTotal   *prometheus.CounterVec
	queriesActive  prometheus.Gauge
	disconnectsTot prometheus.Counter
}

var _ engine.Metrics = (*Metrics)(nil)

// NewMetrics registers this engine's metrics against reg. Passing a
// fresh *prometheus.Registry (rather than promauto's default) keeps
// multiple engines/tests from colliding on metric names.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connectTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgengine_connect_attempts_total",
				Help: "Connection attempts by outcome.",
			},
			[]string{"outcome"},
		),
		connectionsUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pgengine_connections_up",
			Help: "Number of engines currently connected.",
		}),
		queriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgengine_queries_total",
				Help: "Completed queries by outcome.",
			},
			[]string{"outcome"},
		),
		queriesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pgengine_queries_active",
			Help: "Number of queries currently in flight.",
		}),
		disconnectsTot: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgengine_disconnects_total",
			Help: "Total number of connection losses/teardowns.",
		}),
	}
}

func (m *Metrics) ConnectAttempt() {
	m.connectTotal.WithLabelValues("attempt").Inc()
}

func (m *Metrics) ConnectSucceeded() {
	m.connectTotal.WithLabelValues("success").Inc()
	m.connectionsUp.Inc()
}

func (m *Metrics) ConnectFailed() {
	m.connectTotal.WithLabelValues("failure").Inc()
}

func (m *Metrics) QueryStarted() {
	m.queriesActive.Inc()
}

func (m *Metrics) QueryCompleted(ok bool) {
	m.queriesActive.Dec()
	if ok {
		m.queriesTotal.WithLabelValues("success").Inc()
	} else {
		m.queriesTotal.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) Disconnected() {
	m.connectionsUp.Dec()
	m.disconnectsTot.Inc()
}
