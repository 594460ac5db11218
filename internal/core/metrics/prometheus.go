package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements Recorder using Prometheus metrics
type PrometheusCollector struct {
	registry *prometheus.Registry

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// WebSocket Metrics
	websocketClients prometheus.Gauge

	// Cache Metrics
	cacheLookups       *prometheus.CounterVec
	invalidatedEntries *prometheus.CounterVec

	// Offline queue Metrics
	queueRequests *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec

	// Sync Metrics
	syncOperations *prometheus.CounterVec
	syncConflicts  *prometheus.CounterVec
	syncPending    prometheus.Gauge

	// Warming Metrics
	warmingTasks    *prometheus.CounterVec
	warmingBytes    prometheus.Counter
	warmingDuration prometheus.Histogram

	persistenceWrites *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector on its own registry, including Go and process collectors
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "pma_cache"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		websocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Number of connected browser tabs",
		}),

		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Resource cache lookups by cache type and result",
			},
			[]string{"cache_type", "result"},
		),
		invalidatedEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidated_entries_total",
				Help:      "Cache entries removed by invalidation, by trigger",
			},
			[]string{"trigger"},
		),

		queueRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offline_queue_requests_total",
				Help:      "Offline queue request outcomes",
			},
			[]string{"outcome"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "offline_queue_depth",
				Help:      "Queued requests by status",
			},
			[]string{"status"},
		),

		syncOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_operations_total",
				Help:      "Sync operation outcomes",
			},
			[]string{"outcome"},
		),
		syncConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_conflicts_total",
				Help:      "Detected sync conflicts by type",
			},
			[]string{"type"},
		),
		syncPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_pending_operations",
			Help:      "Sync operations not yet completed or failed",
		}),

		warmingTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warming_tasks_total",
				Help:      "Cache warming task outcomes",
			},
			[]string{"outcome"},
		),
		warmingBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warming_bytes_total",
			Help:      "Bytes preloaded into the resource cache",
		}),
		warmingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "warming_task_duration_seconds",
			Help:      "Cache warming task duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		persistenceWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_writes_total",
				Help:      "State snapshot writes by namespace and result",
			},
			[]string{"namespace", "result"},
		),
	}
}

// Registry exposes the registry for the /metrics handler
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// RecordHTTPRequest records HTTP request metrics
func (p *PrometheusCollector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	p.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	p.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (p *PrometheusCollector) SetWebSocketClients(n int) {
	p.websocketClients.Set(float64(n))
}

func (p *PrometheusCollector) RecordCacheLookup(cacheType string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(cacheType, result).Inc()
}

func (p *PrometheusCollector) RecordInvalidation(trigger string, keys int) {
	p.invalidatedEntries.WithLabelValues(trigger).Add(float64(keys))
}

func (p *PrometheusCollector) RecordQueueRequest(outcome string) {
	p.queueRequests.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) SetQueueDepth(status string, n int) {
	p.queueDepth.WithLabelValues(status).Set(float64(n))
}

func (p *PrometheusCollector) RecordSyncOperation(outcome string) {
	p.syncOperations.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordConflict(conflictType string) {
	p.syncConflicts.WithLabelValues(conflictType).Inc()
}

func (p *PrometheusCollector) SetSyncPending(n int) {
	p.syncPending.Set(float64(n))
}

// RecordWarmingTask records a terminal warming task; bytes and duration only count for completed tasks
func (p *PrometheusCollector) RecordWarmingTask(outcome string, bytes int64, duration time.Duration) {
	p.warmingTasks.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		p.warmingBytes.Add(float64(bytes))
		p.warmingDuration.Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) RecordPersistence(namespace string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.persistenceWrites.WithLabelValues(namespace, result).Inc()
}

var _ Recorder = (*PrometheusCollector)(nil)
