// Package metrics holds the prometheus collectors recorded by memelib
// components. Every recording method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all collectors registered against one registry.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	statusBatches      prometheus.Counter
	statusBatchErrors  prometheus.Counter
	statusRetries      prometheus.Counter
	statusNotification prometheus.Counter

	realtimeState      prometheus.Gauge
	realtimeReconnects prometheus.Counter
	realtimeDropped    prometheus.Counter
	realtimeClients    prometheus.Gauge

	httpDuration *prometheus.HistogramVec
	operations   *prometheus.HistogramVec
}

// New creates a Metrics bound to a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memelib_cache_hits_total",
			Help: "Cache hits by namespace.",
		}, []string{"namespace"}),
		cacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memelib_cache_misses_total",
			Help: "Cache misses by namespace.",
		}, []string{"namespace"}),
		cacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memelib_cache_evictions_total",
			Help: "LRU evictions by namespace.",
		}, []string{"namespace"}),
		statusBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "memelib_status_batch_requests_total",
			Help: "Batched embedding status requests issued.",
		}),
		statusBatchErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "memelib_status_batch_errors_total",
			Help: "Batched embedding status requests that failed.",
		}),
		statusRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "memelib_status_retries_total",
			Help: "Embedding retries scheduled for failed assets.",
		}),
		statusNotification: f.NewCounter(prometheus.CounterOpts{
			Name: "memelib_status_notifications_total",
			Help: "Status changes delivered to subscribers.",
		}),
		realtimeState: f.NewGauge(prometheus.GaugeOpts{
			Name: "memelib_realtime_connected",
			Help: "1 while the realtime connection is open.",
		}),
		realtimeReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "memelib_realtime_reconnects_total",
			Help: "Scheduled realtime reconnect attempts.",
		}),
		realtimeDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "memelib_realtime_dropped_messages_total",
			Help: "Queued outbound messages dropped on overflow.",
		}),
		realtimeClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "memelib_realtime_clients",
			Help: "Connected realtime clients on the server.",
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memelib_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
		operations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memelib_operation_duration_seconds",
			Help:    "Duration of tracked internal operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit(namespace string) {
	if m != nil {
		m.cacheHits.WithLabelValues(namespace).Inc()
	}
}

func (m *Metrics) CacheMiss(namespace string) {
	if m != nil {
		m.cacheMisses.WithLabelValues(namespace).Inc()
	}
}

func (m *Metrics) CacheEviction(namespace string) {
	if m != nil {
		m.cacheEvictions.WithLabelValues(namespace).Inc()
	}
}

func (m *Metrics) StatusBatch(failed bool) {
	if m == nil {
		return
	}
	m.statusBatches.Inc()
	if failed {
		m.statusBatchErrors.Inc()
	}
}

func (m *Metrics) StatusRetry() {
	if m != nil {
		m.statusRetries.Inc()
	}
}

func (m *Metrics) StatusNotified() {
	if m != nil {
		m.statusNotification.Inc()
	}
}

func (m *Metrics) RealtimeConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.realtimeState.Set(1)
	} else {
		m.realtimeState.Set(0)
	}
}

func (m *Metrics) RealtimeReconnect() {
	if m != nil {
		m.realtimeReconnects.Inc()
	}
}

func (m *Metrics) RealtimeDropped() {
	if m != nil {
		m.realtimeDropped.Inc()
	}
}

func (m *Metrics) RealtimeClients(delta float64) {
	if m != nil {
		m.realtimeClients.Add(delta)
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, code string, d time.Duration) {
	if m != nil {
		m.httpDuration.WithLabelValues(route, code).Observe(d.Seconds())
	}
}

// ObserveOperation records a tracked operation's duration.
func (m *Metrics) ObserveOperation(name string, d time.Duration) {
	if m != nil {
		m.operations.WithLabelValues(name).Observe(d.Seconds())
	}
}
