// Package metrics exposes the gateway's Prometheus instrumentation on a
// dedicated registry so only our collectors appear on /metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	coalescedTotal   *prometheus.CounterVec
	upstreamCalls    *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	rateDenials      *prometheus.CounterVec
	savedUSDTotal    *prometheus.CounterVec
	analyticsBatches *prometheus.CounterVec
}

func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "watchllm",
				Name:      "requests_total",
				Help:      "Requests served, by endpoint and final cache status",
			},
			[]string{"endpoint", "cache_status", "status_code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "watchllm",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint", "cache_status"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "watchllm",
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by layer and outcome",
			},
			[]string{"layer", "hit"}, // layer: deterministic, semantic, stream
		),
		coalescedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "watchllm",
				Name:      "coalesced_requests_total",
				Help:      "Follower requests served from a leader's response",
			},
			[]string{"tenant"},
		),
		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "watchllm",
				Name:      "upstream_calls_total",
				Help:      "Calls forwarded upstream, by outcome",
			},
			[]string{"provider", "outcome"}, // outcome: ok, error
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "watchllm",
				Name:      "upstream_latency_seconds",
				Help:      "Upstream response latency in seconds",
				Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"provider"},
		),
		rateDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "watchllm",
				Name:      "rate_denials_total",
				Help:      "Requests denied before reaching the pipeline",
			},
			[]string{"reason"}, // reason: rate_limit_exceeded, quota_exceeded
		),
		savedUSDTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "watchllm",
				Name:      "saved_usd_total",
				Help:      "Upstream spend avoided by cache and coalescing, in USD",
			},
			[]string{"tenant"},
		),
		analyticsBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "watchllm",
				Name:      "analytics_batches_total",
				Help:      "Analytics batch deliveries, by outcome",
			},
			[]string{"outcome"}, // outcome: delivered, dead_lettered
		),
	}

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.cacheLookups,
		m.coalescedTotal,
		m.upstreamCalls,
		m.upstreamLatency,
		m.rateDenials,
		m.savedUSDTotal,
		m.analyticsBatches,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %v", err)
		}
	}
	return m, nil
}

func (m *Metrics) ObserveRequest(endpoint string, cacheStatus string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(endpoint, cacheStatus, fmt.Sprintf("%d", statusCode)).Inc()
	m.requestDuration.WithLabelValues(endpoint, cacheStatus).Observe(duration.Seconds())
}

func (m *Metrics) ObserveCacheLookup(layer string, hit bool) {
	m.cacheLookups.WithLabelValues(layer, fmt.Sprintf("%t", hit)).Inc()
}

func (m *Metrics) ObserveCoalesced(tenantID string) {
	m.coalescedTotal.WithLabelValues(tenantID).Inc()
}

func (m *Metrics) ObserveUpstream(provider string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.upstreamCalls.WithLabelValues(provider, outcome).Inc()
	m.upstreamLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) ObserveDenial(reason string) {
	m.rateDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveSavings(tenantID string, savedUSD float64) {
	if savedUSD > 0 {
		m.savedUSDTotal.WithLabelValues(tenantID).Add(savedUSD)
	}
}

func (m *Metrics) ObserveAnalyticsBatch(deadLettered bool) {
	outcome := "delivered"
	if deadLettered {
		outcome = "dead_lettered"
	}
	m.analyticsBatches.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
