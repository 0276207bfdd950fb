// Package metrics exposes Prometheus collectors for the cache manager. All
// metrics use the shiftcache_ prefix and live on a private registry so tests
// can build as many instances as they like.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Dispatch        *prometheus.CounterVec
	Refresh         *prometheus.CounterVec
	Install         *prometheus.CounterVec
	Deleted         prometheus.Counter
	Clients         prometheus.Gauge
	Generation      *prometheus.GaugeVec
	PassThrough     prometheus.Counter
	RefreshDuration prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Dispatch: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftcache_dispatch_total",
			Help: "Intercepted GET requests by class and outcome",
		}, []string{"class", "outcome"}),
		Refresh: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftcache_refresh_total",
			Help: "Background refreshes by result",
		}, []string{"result"}),
		Install: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftcache_install_total",
			Help: "Install attempts by result",
		}, []string{"result"}),
		Deleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "shiftcache_generations_deleted_total",
			Help: "Stale generations removed during activation",
		}),
		Clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shiftcache_clients",
			Help: "Connected page contexts",
		}),
		Generation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shiftcache_generation_info",
			Help: "Generation state (1 = active, 0 = waiting)",
		}, []string{"cache", "go_version"}),
		PassThrough: factory.NewCounter(prometheus.CounterOpts{
			Name: "shiftcache_passthrough_total",
			Help: "Requests forwarded to the origin untouched",
		}),
		RefreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shiftcache_refresh_duration_seconds",
			Help:    "Network time spent by background refreshes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch counts one intercepted request.
func (m *Metrics) ObserveDispatch(class, outcome string) {
	if m == nil {
		return
	}
	m.Dispatch.WithLabelValues(class, outcome).Inc()
}

// ObserveRefresh counts one background refresh and its network time.
func (m *Metrics) ObserveRefresh(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Refresh.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.RefreshDuration.Observe(seconds)
	}
}

// ObserveInstall counts one install attempt.
func (m *Metrics) ObserveInstall(result string) {
	if m == nil {
		return
	}
	m.Install.WithLabelValues(result).Inc()
}

// ObserveDeleted counts removed generations.
func (m *Metrics) ObserveDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Deleted.Add(float64(n))
}

// ObservePassThrough counts one forwarded request.
func (m *Metrics) ObservePassThrough() {
	if m == nil {
		return
	}
	m.PassThrough.Inc()
}

// SetClients records the number of connected pages.
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.Clients.Set(float64(n))
}

// SetGeneration marks cacheName as active (true) or waiting (false).
func (m *Metrics) SetGeneration(cacheName string, active bool) {
	if m == nil {
		return
	}
	value := 0.0
	if active {
		value = 1
	}
	m.Generation.WithLabelValues(cacheName, runtime.Version()).Set(value)
}
