// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/collabhub/activity/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Storage metrics (KV store + row store)
	StorageOpsTotal    *prometheus.CounterVec
	StorageOpDuration  *prometheus.HistogramVec
	StorageConnsOpen   prometheus.Gauge

	// Pipeline metrics
	RouterRoutedTotal      *prometheus.CounterVec
	BucketDrainDuration    *prometheus.HistogramVec
	BucketDrainItemsTotal  *prometheus.CounterVec
	AggregateMergesTotal   prometheus.Counter
	EmailsSentTotal        *prometheus.CounterVec
	PushConnectionsOpen    prometheus.Gauge
	PushMessagesSentTotal  *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		StorageOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operations_total",
				Help: "Total number of KV/row store operations",
			},
			[]string{"service", "store", "operation", "status"},
		),
		StorageOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "KV/row store operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "store", "operation"},
		),
		StorageConnsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storage_connections_open",
				Help: "Current number of open row store connections",
			},
		),

		RouterRoutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_routed_activities_total",
				Help: "Total number of activity-route pairs produced by the router",
			},
			[]string{"service", "propagation"},
		),
		BucketDrainDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aggregator_bucket_drain_duration_seconds",
				Help:    "Duration of a single bucket drain cycle",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "bucket"},
		),
		BucketDrainItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_bucket_drain_items_total",
				Help: "Total number of routed-activity items drained from a bucket queue",
			},
			[]string{"service", "bucket"},
		),
		AggregateMergesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aggregator_merges_total",
				Help: "Total number of aggregate merges performed",
			},
		),
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "email_digests_sent_total",
				Help: "Total number of digest emails sent",
			},
			[]string{"service", "status"},
		),
		PushConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "push_connections_open",
				Help: "Current number of open push WebSocket connections",
			},
		),
		PushMessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_messages_sent_total",
				Help: "Total number of push messages delivered to sockets",
			},
			[]string{"service", "stream_type"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.StorageOpsTotal,
			m.StorageOpDuration,
			m.StorageConnsOpen,
			m.RouterRoutedTotal,
			m.BucketDrainDuration,
			m.BucketDrainItemsTotal,
			m.AggregateMergesTotal,
			m.EmailsSentTotal,
			m.PushConnectionsOpen,
			m.PushMessagesSentTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordStorageOp records a KV/row store operation.
func (m *Metrics) RecordStorageOp(service, store, operation, status string, duration time.Duration) {
	m.StorageOpsTotal.WithLabelValues(service, store, operation, status).Inc()
	m.StorageOpDuration.WithLabelValues(service, store, operation).Observe(duration.Seconds())
}

// SetStorageConnections sets the number of open row store connections.
func (m *Metrics) SetStorageConnections(count int) {
	m.StorageConnsOpen.Set(float64(count))
}

// RecordRouted records a routed activity/route pair for a propagation kind.
func (m *Metrics) RecordRouted(service, propagation string) {
	m.RouterRoutedTotal.WithLabelValues(service, propagation).Inc()
}

// RecordBucketDrain records the duration and item count of a bucket drain cycle.
func (m *Metrics) RecordBucketDrain(service, bucket string, items int, duration time.Duration) {
	m.BucketDrainDuration.WithLabelValues(service, bucket).Observe(duration.Seconds())
	m.BucketDrainItemsTotal.WithLabelValues(service, bucket).Add(float64(items))
}

// RecordAggregateMerge records an aggregate merge.
func (m *Metrics) RecordAggregateMerge() {
	m.AggregateMergesTotal.Inc()
}

// RecordEmailSent records a digest email outcome.
func (m *Metrics) RecordEmailSent(service, status string) {
	m.EmailsSentTotal.WithLabelValues(service, status).Inc()
}

// SetPushConnections sets the number of currently open push connections.
func (m *Metrics) SetPushConnections(count int) {
	m.PushConnectionsOpen.Set(float64(count))
}

// RecordPushMessage records a delivered push message for a stream type.
func (m *Metrics) RecordPushMessage(service, streamType string) {
	m.PushMessagesSentTotal.WithLabelValues(service, streamType).Inc()
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
