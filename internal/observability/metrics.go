// Package observability exposes Prometheus metrics for the ingestion
// pipeline and HTTP surface.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime        prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	eventsTotal   *prometheus.CounterVec
	duplicates    prometheus.Counter
	scoreDuration prometheus.Histogram
	geoLookups    *prometheus.CounterVec
	storageOps    *prometheus.CounterVec
	subscribers   prometheus.Gauge
	alertsSent    *prometheus.CounterVec
	eventsStored  prometheus.Gauge
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

// initMetrics initializes all Prometheus metrics
func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_uptime_seconds",
		Help: "Time since the application started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_ingested_total",
			Help: "Total number of ingested honeypot events",
		},
		[]string{"risk_level", "attack_type"},
	)

	mm.duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_events_duplicate_total",
		Help: "Total number of rejected duplicate events",
	})

	mm.scoreDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_scoring_duration_seconds",
		Help:    "Time spent scoring one event",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1},
	})

	mm.geoLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_geoip_lookups_total",
			Help: "Total number of GeoIP lookups by outcome",
		},
		[]string{"outcome"}, // outcome: private, cached, resolved, failed
	)

	mm.storageOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	mm.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_stream_subscribers",
		Help: "Number of active event stream subscribers",
	})

	mm.alertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_sent_total",
			Help: "Total number of alert webhook deliveries",
		},
		[]string{"status"}, // status: success, failed
	)

	mm.eventsStored = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_events_stored",
		Help: "Number of events currently in the store",
	})
}

// registerMetrics registers all metrics with the registry
func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.eventsTotal,
		mm.duplicates,
		mm.scoreDuration,
		mm.geoLookups,
		mm.storageOps,
		mm.subscribers,
		mm.alertsSent,
		mm.eventsStored,
	)

	// Also register Go runtime metrics
	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records an HTTP request
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordEvent records one ingested event
func (mm *MetricsManager) RecordEvent(riskLevel, attackType string) {
	mm.eventsTotal.WithLabelValues(riskLevel, attackType).Inc()
}

// RecordDuplicate records a rejected duplicate submission
func (mm *MetricsManager) RecordDuplicate() {
	mm.duplicates.Inc()
}

// RecordScoring records the duration of one ensemble evaluation
func (mm *MetricsManager) RecordScoring(duration time.Duration) {
	mm.scoreDuration.Observe(duration.Seconds())
}

// RecordGeoLookup records a GeoIP lookup outcome
func (mm *MetricsManager) RecordGeoLookup(outcome string) {
	mm.geoLookups.WithLabelValues(outcome).Inc()
}

// RecordStorageOperation records a storage operation
func (mm *MetricsManager) RecordStorageOperation(operation, status string) {
	mm.storageOps.WithLabelValues(operation, status).Inc()
}

// SetSubscribers sets the number of active stream subscribers
func (mm *MetricsManager) SetSubscribers(count int) {
	mm.subscribers.Set(float64(count))
}

// RecordAlert records an alert delivery attempt
func (mm *MetricsManager) RecordAlert(status string) {
	mm.alertsSent.WithLabelValues(status).Inc()
}

// SetEventsStored sets the stored event count gauge
func (mm *MetricsManager) SetEventsStored(count int64) {
	mm.eventsStored.Set(float64(count))
}

// Registry returns the Prometheus registry for custom metrics
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// HTTPMiddleware returns middleware that records HTTP metrics
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			mm.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(ww.statusCode), duration)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
