// Package metrics provides Prometheus-based metrics collection for
// nl80211scan. It tracks scan activity, netlink traffic, database
// queries, HTTP requests and process health.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all nl80211scan metrics
	namespace = "nl80211scan"

	// Subsystems
	subsystemScan     = "scan"
	subsystemNetlink  = "netlink"
	subsystemDatabase = "database"
	subsystemSystem   = "system"
	subsystemAPI      = "api"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	scansTotal       *prometheus.CounterVec
	scanDuration     *prometheus.HistogramVec
	scanErrors       *prometheus.CounterVec
	stationsObserved *prometheus.CounterVec
	stationQuality   *prometheus.HistogramVec
	activeScans      prometheus.Gauge

	// Netlink metrics
	netlinkRequests *prometheus.CounterVec
	netlinkErrors   *prometheus.CounterVec
	dumpMessages    *prometheus.HistogramVec

	// Database metrics
	dbQueries       *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	dbConnections   prometheus.Gauge
	dbErrors        *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpErrors   *prometheus.CounterVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initNetlinkMetrics()
	pm.initDatabaseMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// initScanMetrics initializes scan-related metrics
func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of scans performed by interface and status",
		},
		[]string{"interface", "status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of scan operations in seconds",
			Buckets:   []float64{0.5, 1.0, 2.5, 5.0, 10.0, 20.0, 30.0, 60.0},
		},
		[]string{"interface"},
	)

	pm.scanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "errors_total",
			Help:      "Total number of scan errors by interface and error type",
		},
		[]string{"interface", "error_type"},
	)

	pm.stationsObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "stations_total",
			Help:      "Total number of stations observed across all scans",
		},
		[]string{"interface"},
	)

	pm.stationQuality = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "station_quality",
			Help:      "Distribution of observed station quality values",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"interface"},
	)

	pm.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active",
			Help:      "Number of currently active scans",
		},
	)
}

// initNetlinkMetrics initializes netlink-related metrics
func (pm *PrometheusMetrics) initNetlinkMetrics() {
	pm.netlinkRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNetlink,
			Name:      "requests_total",
			Help:      "Total number of netlink requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.netlinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemNetlink,
			Name:      "errors_total",
			Help:      "Total number of netlink errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	pm.dumpMessages = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemNetlink,
			Name:      "dump_messages",
			Help:      "Number of messages returned per dump request",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
		[]string{"operation"},
	)
}

// initDatabaseMetrics initializes database-related metrics
func (pm *PrometheusMetrics) initDatabaseMetrics() {
	pm.dbQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "queries_total",
			Help:      "Total number of database queries by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	pm.dbConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)

	pm.dbErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "errors_total",
			Help:      "Total number of database errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
}

// initAPIMetrics initializes API-related metrics
func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"method", "path"},
	)

	pm.httpErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "errors_total",
			Help:      "Total number of HTTP errors by method, path and error type",
		},
		[]string{"method", "path", "error_type"},
	)
}

// initSystemMetrics initializes system-related metrics
func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(pm.scansTotal)
	pm.registry.MustRegister(pm.scanDuration)
	pm.registry.MustRegister(pm.scanErrors)
	pm.registry.MustRegister(pm.stationsObserved)
	pm.registry.MustRegister(pm.stationQuality)
	pm.registry.MustRegister(pm.activeScans)

	pm.registry.MustRegister(pm.netlinkRequests)
	pm.registry.MustRegister(pm.netlinkErrors)
	pm.registry.MustRegister(pm.dumpMessages)

	pm.registry.MustRegister(pm.dbQueries)
	pm.registry.MustRegister(pm.dbQueryDuration)
	pm.registry.MustRegister(pm.dbConnections)
	pm.registry.MustRegister(pm.dbErrors)

	pm.registry.MustRegister(pm.httpRequests)
	pm.registry.MustRegister(pm.httpDuration)
	pm.registry.MustRegister(pm.httpErrors)

	pm.registry.MustRegister(pm.memoryUsage)
	pm.registry.MustRegister(pm.goroutines)
	pm.registry.MustRegister(pm.uptime)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Scan Metrics Methods

// IncrementScansTotal increments the total scan counter
func (pm *PrometheusMetrics) IncrementScansTotal(ifname, status string) {
	pm.scansTotal.WithLabelValues(ifname, status).Inc()
}

// RecordScanDuration records a scan duration
func (pm *PrometheusMetrics) RecordScanDuration(ifname string, duration time.Duration) {
	pm.scanDuration.WithLabelValues(ifname).Observe(duration.Seconds())
}

// IncrementScanErrors increments scan error counter
func (pm *PrometheusMetrics) IncrementScanErrors(ifname, errorType string) {
	pm.scanErrors.WithLabelValues(ifname, errorType).Inc()
}

// IncrementStationsObserved adds to the stations observed counter
func (pm *PrometheusMetrics) IncrementStationsObserved(ifname string, count int) {
	pm.stationsObserved.WithLabelValues(ifname).Add(float64(count))
}

// RecordStationQuality records an observed station quality value
func (pm *PrometheusMetrics) RecordStationQuality(ifname string, quality uint8) {
	pm.stationQuality.WithLabelValues(ifname).Observe(float64(quality))
}

// SetActiveScans sets the number of active scans
func (pm *PrometheusMetrics) SetActiveScans(count int) {
	pm.activeScans.Set(float64(count))
}

// Netlink Metrics Methods

// IncrementNetlinkRequests increments the netlink request counter
func (pm *PrometheusMetrics) IncrementNetlinkRequests(operation, status string) {
	pm.netlinkRequests.WithLabelValues(operation, status).Inc()
}

// IncrementNetlinkErrors increments the netlink error counter
func (pm *PrometheusMetrics) IncrementNetlinkErrors(operation, errorType string) {
	pm.netlinkErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordDumpMessages records the number of messages a dump returned
func (pm *PrometheusMetrics) RecordDumpMessages(operation string, count int) {
	pm.dumpMessages.WithLabelValues(operation).Observe(float64(count))
}

// Database Metrics Methods

// IncrementDatabaseQueries increments database query counter
func (pm *PrometheusMetrics) IncrementDatabaseQueries(operation, status string) {
	pm.dbQueries.WithLabelValues(operation, status).Inc()
}

// RecordDatabaseQueryDuration records database query duration
func (pm *PrometheusMetrics) RecordDatabaseQueryDuration(operation string, duration time.Duration) {
	pm.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveConnections sets the number of active database connections
func (pm *PrometheusMetrics) SetActiveConnections(count int) {
	pm.dbConnections.Set(float64(count))
}

// IncrementDatabaseErrors increments database error counter
func (pm *PrometheusMetrics) IncrementDatabaseErrors(operation, errorType string) {
	pm.dbErrors.WithLabelValues(operation, errorType).Inc()
}

// API Metrics Methods

// IncrementHTTPRequests increments HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func (pm *PrometheusMetrics) RecordHTTPDuration(method, path string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncrementHTTPErrors increments HTTP error counter
func (pm *PrometheusMetrics) IncrementHTTPErrors(method, path, errorType string) {
	pm.httpErrors.WithLabelValues(method, path, errorType).Inc()
}

// System Metrics Methods

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())

	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates starts a goroutine that periodically updates system metrics
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}

// Convenience functions using global instance

// RecordScan records the outcome of one scan invocation.
func RecordScan(ifname, status string, stations int, duration time.Duration) {
	m := GetGlobalMetrics()
	m.IncrementScansTotal(ifname, status)
	m.RecordScanDuration(ifname, duration)
	m.IncrementStationsObserved(ifname, stations)
}

// RecordNetlinkRequest records a netlink request outcome using global metrics.
func RecordNetlinkRequest(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	GetGlobalMetrics().IncrementNetlinkRequests(operation, status)
}

// RecordDatabaseQuery records database query metrics using global metrics.
func RecordDatabaseQuery(operation string, duration time.Duration, success bool) {
	m := GetGlobalMetrics()
	status := "success"
	if !success {
		status = "error"
	}
	m.IncrementDatabaseQueries(operation, status)
	m.RecordDatabaseQueryDuration(operation, duration)
}
