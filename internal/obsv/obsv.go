// Package obsv wires a private Prometheus registry for the process,
// grounded on mohammed-shakir-h3-spatial-cache's metrics.Provider: a
// registry that owns the Go/process collectors plus every
// domain-specific collector this binary registers, served behind its
// own HTTP handler rather than the global default registry.
package obsv

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the domain collectors. Only SourceErrors is updated
// (by the tiled handlers); the others are registered and exported but
// nothing in the module updates them.
type Metrics struct {
	reg *prometheus.Registry

	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	MetaTileBuilds *prometheus.CounterVec
	BuildDuration  *prometheus.HistogramVec
	LockWait       *prometheus.HistogramVec
	SourceLatency  *prometheus.HistogramVec
	SourceErrors   *prometheus.CounterVec
}

// New builds a fresh private registry with every collector registered
// and ready to use.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileproxy_cache_hits_total",
			Help: "Tile cache hits, by layer and grid.",
		}, []string{"layer", "grid"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileproxy_cache_misses_total",
			Help: "Tile cache misses, by layer and grid.",
		}, []string{"layer", "grid"}),
		MetaTileBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileproxy_metatile_builds_total",
			Help: "Meta-tile builds dispatched to a renderer, by layer.",
		}, []string{"layer"}),
		BuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tileproxy_metatile_build_seconds",
			Help:    "Meta-tile build latency, from lock acquisition to store.",
			Buckets: prometheus.DefBuckets,
		}, []string{"layer"}),
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tileproxy_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the meta-tile lock.",
			Buckets: prometheus.DefBuckets,
		}, []string{"layer"}),
		SourceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tileproxy_source_request_seconds",
			Help:    "Upstream source call latency, by source kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileproxy_source_errors_total",
			Help: "Upstream source errors, by source kind and error kind.",
		}, []string{"source", "kind"}),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.MetaTileBuilds,
		m.BuildDuration, m.LockWait, m.SourceLatency, m.SourceErrors,
	)
	return m
}

// Handler serves the registry's metrics in the Prometheus exposition
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registerer exposes the private registry for ad-hoc collectors a
// specific cache backend might want to add (e.g. connection pool gauges).
func (m *Metrics) Registerer() prometheus.Registerer { return m.reg }
