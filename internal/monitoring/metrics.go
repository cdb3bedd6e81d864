package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cluster-wide Prometheus collectors. Registered once at package init and
// scraped via the /prometheus endpoint.
var (
	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpod_router_requests_total",
		Help: "Routed requests by routing decision",
	}, []string{"decision"})

	ProxyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xpod_router_proxy_failures_total",
		Help: "Upstream fetch failures while proxying to a peer",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xpod_cache_hits_total",
		Help: "Tiered accessor local cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xpod_cache_misses_total",
		Help: "Tiered accessor local cache misses",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xpod_cache_evictions_total",
		Help: "Cache files deleted by LRU eviction",
	})

	CacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xpod_cache_size_bytes",
		Help: "Current tracked size of the local cache",
	})

	FallbackReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpod_storage_fallback_reads_total",
		Help: "Reads served from a non-primary region bucket",
	}, []string{"bucket"})

	Migrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpod_pod_migrations_total",
		Help: "Pod migrations by outcome",
	}, []string{"outcome"})

	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpod_heartbeats_total",
		Help: "Heartbeat ticks by result",
	}, []string{"result"})

	ServiceRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpod_service_restarts_total",
		Help: "Supervisor restarts by service",
	}, []string{"service"})
)
