package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMetrics holds the gateway's operational counters. These are about
// the daemon itself; per-instance game telemetry flows through the sampler
// websocket instead.
type promMetrics struct {
	registry       *prometheus.Registry
	activeSessions *prometheus.GaugeVec
	lifecycleOps   *prometheus.CounterVec
	allocFailures  prometheus.Counter
}

func newPromMetrics() *promMetrics {
	reg := prometheus.NewRegistry()
	m := &promMetrics{
		registry: reg,
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_active_sessions",
			Help: "Currently attached streaming sessions by kind.",
		}, []string{"kind"}),
		lifecycleOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_lifecycle_operations_total",
			Help: "Lifecycle operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		allocFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_port_allocation_failures_total",
			Help: "Port allocations that failed with an exhausted range.",
		}),
	}
	reg.MustRegister(
		m.activeSessions,
		m.lifecycleOps,
		m.allocFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *promMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
