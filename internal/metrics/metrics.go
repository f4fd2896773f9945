// Package metrics implements the Performance Metrics Collector (spec
// §4.6): per-endpoint rolling-window timings, cache outcomes, and breaker
// trips, with p50/p95/p99 computed from a sorted snapshot at query time.
//
// Grounded on the teacher's internal/metrics/metrics.go promauto-registered
// counters/histograms for the Prometheus side; the rolling sample window
// and exact percentile computation are new, since the teacher exposes only
// Prometheus's own (approximate, bucketed) histogram quantiles and the
// spec requires exact percentiles over a bounded in-memory window.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Sample is a single recordApiCall observation.
type Sample struct {
	At        time.Time
	DurationMs float64
	Status     string
	CacheHit   bool
	ErrorClass string
}

// EndpointSnapshot is the getStats() result for one endpoint.
type EndpointSnapshot struct {
	Endpoint        string
	Count           int64
	CacheHits       int64
	CacheMisses     int64
	ErrorCount      int64
	BreakerTrips    int64
	AvgResponseMs   float64
	P50Ms, P95Ms, P99Ms float64
}

type endpointWindow struct {
	samples []Sample
}

// Collector is the per-endpoint rolling-window metrics store.
type Collector struct {
	registry *Registry
	window   time.Duration

	mu        sync.Mutex
	endpoints map[string]*endpointWindow
}

// NewCollector constructs a Collector with the given rolling window,
// defaulting to 5 minutes when window is zero or negative.
func NewCollector(registry *Registry, window time.Duration) *Collector {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Collector{
		registry:  registry,
		window:    window,
		endpoints: make(map[string]*endpointWindow),
	}
}

// RecordAPICall records one endpoint observation, updating both the
// in-memory rolling window (for exact percentiles) and the Prometheus
// collectors (for external scraping).
func (c *Collector) RecordAPICall(endpoint string, durationMs float64, status string, cacheHit bool, errorClass string) {
	c.mu.Lock()
	w, ok := c.endpoints[endpoint]
	if !ok {
		w = &endpointWindow{}
		c.endpoints[endpoint] = w
	}
	now := time.Now()
	w.samples = append(w.samples, Sample{At: now, DurationMs: durationMs, Status: status, CacheHit: cacheHit, ErrorClass: errorClass})
	c.pruneLocked(w, now)
	c.mu.Unlock()

	if c.registry != nil {
		cacheHitLabel := "false"
		if cacheHit {
			cacheHitLabel = "true"
		}
		c.registry.apiCallDuration.WithLabelValues(endpoint, status).Observe(durationMs / 1000.0)
		c.registry.apiCallTotal.WithLabelValues(endpoint, status, cacheHitLabel).Inc()
		if cacheHit {
			c.registry.cacheHitTotal.WithLabelValues("hit").Inc()
		} else {
			c.registry.cacheHitTotal.WithLabelValues("miss").Inc()
		}
		if errorClass == "CIRCUIT_BREAKER_ERROR" {
			c.registry.breakerTripsTotal.WithLabelValues(endpoint).Inc()
		}
	}
}

func (c *Collector) pruneLocked(w *endpointWindow, now time.Time) {
	cutoff := now.Add(-c.window)
	kept := w.samples[:0:0]
	for _, s := range w.samples {
		if s.At.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.samples = kept
}

// Snapshot computes the current EndpointSnapshot for endpoint.
func (c *Collector) Snapshot(endpoint string) EndpointSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.endpoints[endpoint]
	snap := EndpointSnapshot{Endpoint: endpoint}
	if !ok {
		return snap
	}

	durations := make([]float64, 0, len(w.samples))
	var sum float64
	for _, s := range w.samples {
		snap.Count++
		durations = append(durations, s.DurationMs)
		sum += s.DurationMs
		if s.CacheHit {
			snap.CacheHits++
		} else {
			snap.CacheMisses++
		}
		if s.ErrorClass != "" {
			snap.ErrorCount++
		}
		if s.ErrorClass == "CIRCUIT_BREAKER_ERROR" {
			snap.BreakerTrips++
		}
	}
	if snap.Count > 0 {
		snap.AvgResponseMs = sum / float64(snap.Count)
		sort.Float64s(durations)
		snap.P50Ms = percentile(durations, 0.50)
		snap.P95Ms = percentile(durations, 0.95)
		snap.P99Ms = percentile(durations, 0.99)
	}
	return snap
}

// SnapshotAll returns a snapshot for every endpoint observed so far.
func (c *Collector) SnapshotAll() []EndpointSnapshot {
	c.mu.Lock()
	endpoints := make([]string, 0, len(c.endpoints))
	for e := range c.endpoints {
		endpoints = append(endpoints, e)
	}
	c.mu.Unlock()

	sort.Strings(endpoints)
	snapshots := make([]EndpointSnapshot, 0, len(endpoints))
	for _, e := range endpoints {
		snapshots = append(snapshots, c.Snapshot(e))
	}
	return snapshots
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
