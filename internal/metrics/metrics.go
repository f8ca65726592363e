// Package metrics collects Prometheus metrics for the Multiplexer: inbound
// request counts by source and outcome, resolver strategy hits, outbound
// call latency by target, and Store operation latency. Exposed over
// promhttp.Handler() on the metrics HTTP server alongside a liveness /health
// endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Target identifies which outbound leg a latency observation belongs to.
type Target string

const (
	TargetBridge     Target = "bridge"
	TargetHomeserver Target = "homeserver"
)

// Metrics holds every Prometheus collector the Multiplexer exposes.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	resolverHits    *prometheus.CounterVec
	outboundLatency *prometheus.HistogramVec
	storeLatency    *prometheus.HistogramVec
	bridgesCached   prometheus.Gauge

	startTime time.Time
}

// New registers every collector against the default global registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers every collector against reg, so tests can use a
// throwaway prometheus.NewRegistry() instead of polluting the global one.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		startTime: time.Now(),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridgemgr_requests_total",
				Help: "Total number of ingress requests by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		resolverHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridgemgr_resolver_strategy_hits_total",
				Help: "Total number of successful bridge resolutions by strategy",
			},
			[]string{"method"},
		),
		outboundLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridgemgr_outbound_request_duration_seconds",
				Help:    "Latency of outbound calls to bridges and the homeserver",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target"},
		),
		storeLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridgemgr_store_operation_duration_seconds",
				Help:    "Latency of Store repository operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		bridgesCached: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridgemgr_bridges_cached",
				Help: "Number of bridge service handles currently cached in the registry",
			},
		),
	}
}

// RecordRequest increments the request counter for one ingress call.
// outcome is one of "success", "client_error", or "server_error".
func (m *Metrics) RecordRequest(source, outcome string) {
	m.requestsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordResolverHit records which strategy resolved a bridge.
func (m *Metrics) RecordResolverHit(method string) {
	m.resolverHits.WithLabelValues(method).Inc()
}

// ObserveOutboundLatency records how long a call to target took.
func (m *Metrics) ObserveOutboundLatency(target Target, d time.Duration) {
	m.outboundLatency.WithLabelValues(string(target)).Observe(d.Seconds())
}

// ObserveStoreLatency records how long a named Store operation took.
func (m *Metrics) ObserveStoreLatency(operation string, d time.Duration) {
	m.storeLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// SetBridgesCached reports the registry's current cache size.
func (m *Metrics) SetBridgesCached(n int) {
	m.bridgesCached.Set(float64(n))
}

// Handler serves the default Prometheus registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Uptime reports how long this process has been running.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
