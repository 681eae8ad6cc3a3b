// Package metrics provides Prometheus metrics for the builder backend.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Sandbox lifecycle
	SandboxBootsTotal   *prometheus.CounterVec
	SandboxBootDuration prometheus.Histogram
	SandboxesActive     prometheus.Gauge
	SandboxSoftFailures *prometheus.CounterVec

	// Mutation log
	WALEntriesTotal   *prometheus.CounterVec
	WALUnresolvedSeen prometheus.Counter

	// Preview proxy
	ProxyRequestsTotal   *prometheus.CounterVec
	ProxyColdStarts      prometheus.Counter
	BadgeInjectionsTotal prometheus.Counter

	// Exports
	ExportsTotal *prometheus.CounterVec

	// Resolution cache
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gorilla",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.SandboxBootsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "sandbox",
			Name:      "boots_total",
			Help:      "Total sandbox boot attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.SandboxBootDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gorilla",
			Subsystem: "sandbox",
			Name:      "boot_duration_seconds",
			Help:      "Cold boot duration in seconds, from session create to healthy",
			Buckets:   []float64{1, 2.5, 5, 10, 15, 30, 60},
		},
	)

	m.SandboxesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gorilla",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of registered sandbox handles",
		},
	)

	m.SandboxSoftFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "sandbox",
			Name:      "soft_failures_total",
			Help:      "Non-fatal failures absorbed during boot, by stage",
		},
		[]string{"stage"},
	)

	m.WALEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "wal",
			Name:      "entries_total",
			Help:      "Mutation log entries by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.WALUnresolvedSeen = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "wal",
			Name:      "unresolved_blocks_total",
			Help:      "Times an export was blocked by unresolved mutation log entries",
		},
	)

	m.ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Preview proxy requests by status class",
		},
		[]string{"status"},
	)

	m.ProxyColdStarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "proxy",
			Name:      "cold_starts_total",
			Help:      "Preview requests that triggered a sandbox cold boot",
		},
	)

	m.BadgeInjectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "proxy",
			Name:      "badge_injections_total",
			Help:      "HTML responses that received the free-tier badge",
		},
	)

	m.ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "export",
			Name:      "total",
			Help:      "Project exports by outcome",
		},
		[]string{"outcome"},
	)

	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Resolution cache hits by cache backend",
		},
		[]string{"backend"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gorilla",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Resolution cache misses by cache backend",
		},
		[]string{"backend"},
	)

	return m
}
