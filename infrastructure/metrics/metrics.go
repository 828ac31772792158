// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nx-intelligence/chronos-db/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics for a chronos-db engine instance.
type Metrics struct {
	// Write pipeline
	WritesTotal    *prometheus.CounterVec
	WriteDuration  *prometheus.HistogramVec
	WritesInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Restore engine
	RestoresTotal    *prometheus.CounterVec
	RestoreDuration  *prometheus.HistogramVec
	RestoreRecords   *prometheus.CounterVec

	// Counter engine
	CounterBumpsTotal *prometheus.CounterVec

	// Fallback queue
	FallbackQueueDepth   *prometheus.GaugeVec
	FallbackAttemptsTotal *prometheus.CounterVec
	FallbackDeadLetterTotal *prometheus.CounterVec

	// Router / backend selection
	RouteSelectionsTotal *prometheus.CounterVec
	TenantCacheHits      *prometheus.CounterVec

	// Metadata/blob store latency
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge
	BlobOpsTotal            *prometheus.CounterVec
	BlobOpDuration          *prometheus.HistogramVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// Write pipeline
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronos_writes_total",
				Help: "Total number of versioned write-pipeline operations",
			},
			[]string{"service", "db", "collection", "op", "status"},
		),
		WriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chronos_write_duration_seconds",
				Help:    "Versioned write-pipeline operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"service", "db", "collection", "op"},
		),
		WritesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chronos_writes_in_flight",
				Help: "Current number of write-pipeline operations in flight",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronos_errors_total",
				Help: "Total number of errors by kind and operation",
			},
			[]string{"service", "kind", "operation"},
		),

		// Restore engine
		RestoresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronos_restores_total",
				Help: "Total number of restoreObject/restoreCollection operations",
			},
			[]string{"service", "db", "collection", "scope", "status"},
		),
		RestoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chronos_restore_duration_seconds",
				Help:    "Restore operation duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"service", "db", "collection", "scope"},
		),
		RestoreRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronos_restore_records_total",
				Help: "Total number of records touched by restoreCollection",
			},
			[]string{"service", "db", "collection"},
		),

		// Counter engine
		CounterBumpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronos_counter_bumps_total",
				Help: "Total number of applyCounterRules invocations",
			},
			[]string{"service", "db", "collection", "rule"},
		),

		// Fallback queue
		FallbackQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chronos_fallback_queue_depth",
				Help: "Current depth of the durable fallback queue",
			},
			[]string{"service", "db"},
		),
		FallbackAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronos_fallback_attempts_total",
				Help: "Total number of fallback-op replay attempts",
			},
			[]string{"service", "db", "op_type", "status"},
		),
		FallbackDeadLetterTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronos_fallback_dead_letter_total",
				Help: "Total number of fallback ops moved to the dead-letter collection",
			},
			[]string{"service", "db", "op_type"},
		),

		// Router
		RouteSelectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronos_route_selections_total",
				Help: "Total number of tenant/backend route resolutions",
			},
			[]string{"service", "tier", "backend"},
		),
		TenantCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronos_tenant_cache_total",
				Help: "Tenant resolution cache hits/misses",
			},
			[]string{"service", "result"},
		),

		BlobOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronos_blob_ops_total",
				Help: "Total number of blob store operations",
			},
			[]string{"service", "op", "status"},
		),
		BlobOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chronos_blob_op_duration_seconds",
				Help:    "Blob store operation duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "op"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
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

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.WritesTotal,
			m.WriteDuration,
			m.WritesInFlight,
			m.ErrorsTotal,
			m.RestoresTotal,
			m.RestoreDuration,
			m.RestoreRecords,
			m.CounterBumpsTotal,
			m.FallbackQueueDepth,
			m.FallbackAttemptsTotal,
			m.FallbackDeadLetterTotal,
			m.RouteSelectionsTotal,
			m.TenantCacheHits,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.BlobOpsTotal,
			m.BlobOpDuration,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordWrite records a versioned write-pipeline operation.
func (m *Metrics) RecordWrite(service, db, collection, op, status string, duration time.Duration) {
	m.WritesTotal.WithLabelValues(service, db, collection, op, status).Inc()
	m.WriteDuration.WithLabelValues(service, db, collection, op).Observe(duration.Seconds())
}

// RecordError records an error by taxonomy kind and operation.
func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

// RecordRestore records a restoreObject/restoreCollection operation.
func (m *Metrics) RecordRestore(service, db, collection, scope, status string, duration time.Duration, records int) {
	m.RestoresTotal.WithLabelValues(service, db, collection, scope, status).Inc()
	m.RestoreDuration.WithLabelValues(service, db, collection, scope).Observe(duration.Seconds())
	if records > 0 {
		m.RestoreRecords.WithLabelValues(service, db, collection).Add(float64(records))
	}
}

// RecordCounterBump records a counter-rule application.
func (m *Metrics) RecordCounterBump(service, db, collection, rule string) {
	m.CounterBumpsTotal.WithLabelValues(service, db, collection, rule).Inc()
}

// SetFallbackQueueDepth reports the current durable fallback queue depth.
func (m *Metrics) SetFallbackQueueDepth(service, db string, depth int) {
	m.FallbackQueueDepth.WithLabelValues(service, db).Set(float64(depth))
}

// RecordFallbackAttempt records one replay attempt by the fallback worker.
func (m *Metrics) RecordFallbackAttempt(service, db, opType, status string) {
	m.FallbackAttemptsTotal.WithLabelValues(service, db, opType, status).Inc()
}

// RecordFallbackDeadLetter records an op moved to the dead-letter collection.
func (m *Metrics) RecordFallbackDeadLetter(service, db, opType string) {
	m.FallbackDeadLetterTotal.WithLabelValues(service, db, opType).Inc()
}

// RecordRouteSelection records a tenant/backend route resolution.
func (m *Metrics) RecordRouteSelection(service, tier, backend string) {
	m.RouteSelectionsTotal.WithLabelValues(service, tier, backend).Inc()
}

// RecordTenantCacheResult records a tenant-resolution cache hit or miss.
func (m *Metrics) RecordTenantCacheResult(service, result string) {
	m.TenantCacheHits.WithLabelValues(service, result).Inc()
}

// RecordBlobOp records a blob store operation.
func (m *Metrics) RecordBlobOp(service, op, status string, duration time.Duration) {
	m.BlobOpsTotal.WithLabelValues(service, op, status).Inc()
	m.BlobOpDuration.WithLabelValues(service, op).Observe(duration.Seconds())
}

// RecordDatabaseQuery records a metadata-store query.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight writes gauge.
func (m *Metrics) IncrementInFlight() {
	m.WritesInFlight.Inc()
}

// DecrementInFlight decrements the in-flight writes gauge.
func (m *Metrics) DecrementInFlight() {
	m.WritesInFlight.Dec()
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

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
