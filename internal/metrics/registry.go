package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry wraps a dedicated Prometheus registry so the collector's
// gauges/histograms don't collide with the default global registry when
// multiple sentineld instances run in one process (tests, multi-tenant
// embedding).
type Registry struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	apiCallDuration   *prometheus.HistogramVec
	apiCallTotal      *prometheus.CounterVec
	cacheHitTotal     *prometheus.CounterVec
	breakerTripsTotal *prometheus.CounterVec
}

// NewRegistry constructs a Registry and registers the collectors the
// Collector needs.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		registry: reg,
		factory:  factory,
		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_api_call_duration_seconds",
			Help:    "Duration of per-endpoint API calls observed by the request core",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
		apiCallTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_api_calls_total",
			Help: "Total per-endpoint API calls, labeled by outcome and cache hit",
		}, []string{"endpoint", "status", "cache_hit"}),
		cacheHitTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_cache_outcomes_total",
			Help: "Cache get outcomes",
		}, []string{"outcome"}),
		breakerTripsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_circuit_breaker_trips_total",
			Help: "Circuit breaker trips per endpoint",
		}, []string{"endpoint"}),
	}
	return r
}

// MustRegister registers additional collectors (e.g. a breaker's own
// gauges) against this registry.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Prometheus exposes the underlying registry for HTTP handler wiring
// (promhttp.HandlerFor).
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}
