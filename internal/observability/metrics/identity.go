// Package metrics provides Prometheus collectors for the presence pipeline components.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IdentityMetrics contains all Prometheus metrics related to identity resolution.
// It satisfies identity.Observer so the cache can report into it directly.
type IdentityMetrics struct {
	CacheHits      *prometheus.CounterVec
	CacheMisses    prometheus.Counter
	StoreErrors    prometheus.Counter
	LookupLatency  *prometheus.HistogramVec
	registry       *prometheus.Registry
}

// NewIdentityMetrics creates a new instance of IdentityMetrics and registers it.
func NewIdentityMetrics(registry *prometheus.Registry) (*IdentityMetrics, error) {
	m := &IdentityMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register identity metrics: %w", err)
	}
	return m, nil
}

func (m *IdentityMetrics) initMetrics() {
	m.CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_cache_hits_total",
		Help: "Total number of identity cache hits, split by positive and negative entries.",
	}, []string{"kind"})

	m.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_cache_misses_total",
		Help: "Total number of identity cache misses that went to the backing store.",
	})

	m.StoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_store_errors_total",
		Help: "Total number of failed identity store lookups.",
	})

	m.LookupLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "identity_lookup_duration_seconds",
		Help:    "Duration of identity store lookups in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"outcome"})
}

// CacheHit records a fresh cache entry being served.
func (m *IdentityMetrics) CacheHit(negative bool) {
	kind := "positive"
	if negative {
		kind = "negative"
	}
	m.CacheHits.WithLabelValues(kind).Inc()
}

// CacheMiss records a lookup that had to consult the store.
func (m *IdentityMetrics) CacheMiss() {
	m.CacheMisses.Inc()
}

// StoreError records a failed store lookup.
func (m *IdentityMetrics) StoreError() {
	m.StoreErrors.Inc()
}

// LookupDuration records how long a store lookup took, keyed by its outcome.
func (m *IdentityMetrics) LookupDuration(outcome string, d time.Duration) {
	m.LookupLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// Collect implements the prometheus.Collector interface.
func (m *IdentityMetrics) Collect(ch chan<- prometheus.Metric) {
	m.CacheHits.Collect(ch)
	ch <- m.CacheMisses
	ch <- m.StoreErrors
	m.LookupLatency.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *IdentityMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.CacheHits.Describe(ch)
	ch <- m.CacheMisses.Desc()
	ch <- m.StoreErrors.Desc()
	m.LookupLatency.Describe(ch)
}
