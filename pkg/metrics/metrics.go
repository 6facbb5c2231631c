// Package metrics provides Prometheus metrics for tapcrawler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tapcrawler"

// Metrics holds all Prometheus metrics of one process.
type Metrics struct {
	registry *prometheus.Registry

	// Collector metrics cover the device interaction loop and episode storage.
	Collector *CollectorMetrics

	// Coordinator metrics cover scheduling, training and weight sync.
	Coordinator *CoordinatorMetrics
}

// NewMetrics creates a Metrics instance with all metrics registered. Used by
// the coordinator process, which also hosts in-process workers.
func NewMetrics() *Metrics {
	registry := newRegistry()
	return &Metrics{
		registry:    registry,
		Collector:   newCollectorMetrics(registry),
		Coordinator: newCoordinatorMetrics(registry),
	}
}

// NewWorkerMetrics creates metrics only for a worker process.
func NewWorkerMetrics() *Metrics {
	registry := newRegistry()
	return &Metrics{
		registry:  registry,
		Collector: newCollectorMetrics(registry),
	}
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()

	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
		},
	)
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
