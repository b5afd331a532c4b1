package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Update flow metrics
	UpdateOutcomesTotal *prometheus.CounterVec
	UpdateDuration      *prometheus.HistogramVec
	ValidationFailures  *prometheus.CounterVec

	// Store metrics
	StoreRequestsTotal   *prometheus.CounterVec
	StoreRequestDuration *prometheus.HistogramVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	RenderCacheHitsTotal       *prometheus.CounterVec
	RenderCacheMissesTotal     *prometheus.CounterVec

	// System metrics
	EntityReloadTotal       *prometheus.CounterVec
	EntitiesLoaded          prometheus.Gauge
	SchemaComponentsIndexed *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rekod_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rekod_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rekod_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rekod_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Update flow
		UpdateOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rekod_update_outcomes_total",
			Help: "Update submissions by entity and outcome.",
		}, []string{"entity", "outcome"}),
		UpdateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rekod_update_duration_seconds",
			Help:    "Update decision duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"entity"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rekod_validation_failures_total",
			Help: "Validation failures by entity.",
		}, []string{"entity"}),

		// Store
		StoreRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rekod_store_requests_total",
			Help: "Store operations by driver, operation, and status.",
		}, []string{"driver", "operation", "status"}),
		StoreRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rekod_store_request_duration_seconds",
			Help:    "Store operation duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"driver"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rekod_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rekod_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		RenderCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rekod_render_cache_hits_total",
			Help: "Total render cache hits.",
		}, []string{"entity"}),
		RenderCacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rekod_render_cache_misses_total",
			Help: "Total render cache misses.",
		}, []string{"entity"}),

		// System
		EntityReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rekod_entity_reload_total",
			Help: "Total entity definition reloads.",
		}, []string{"status"}),
		EntitiesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rekod_entities_loaded",
			Help: "Number of loaded entity definitions.",
		}),
		SchemaComponentsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rekod_schema_components_indexed",
			Help: "Number of indexed schema components.",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Update flow
		m.UpdateOutcomesTotal,
		m.UpdateDuration,
		m.ValidationFailures,
		// Store
		m.StoreRequestsTotal,
		m.StoreRequestDuration,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.RenderCacheHitsTotal,
		m.RenderCacheMissesTotal,
		// System
		m.EntityReloadTotal,
		m.EntitiesLoaded,
		m.SchemaComponentsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordUpdateOutcome records one update decision.
func (m *Metrics) RecordUpdateOutcome(entity, outcome string, duration time.Duration) {
	m.UpdateOutcomesTotal.WithLabelValues(entity, outcome).Inc()
	m.UpdateDuration.WithLabelValues(entity).Observe(duration.Seconds())
}

// RecordValidationFailure records a rejected submission.
func (m *Metrics) RecordValidationFailure(entity string) {
	m.ValidationFailures.WithLabelValues(entity).Inc()
}

// RecordStoreRequest records one store operation.
func (m *Metrics) RecordStoreRequest(driver, operation, status string, duration time.Duration) {
	m.StoreRequestsTotal.WithLabelValues(driver, operation, status).Inc()
	m.StoreRequestDuration.WithLabelValues(driver).Observe(duration.Seconds())
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordRenderCacheHit records a render cache hit.
func (m *Metrics) RecordRenderCacheHit(entity string) {
	m.RenderCacheHitsTotal.WithLabelValues(entity).Inc()
}

// RecordRenderCacheMiss records a render cache miss.
func (m *Metrics) RecordRenderCacheMiss(entity string) {
	m.RenderCacheMissesTotal.WithLabelValues(entity).Inc()
}

// RecordEntityReload records an entity definition reload.
func (m *Metrics) RecordEntityReload(status string) {
	m.EntityReloadTotal.WithLabelValues(status).Inc()
}

// SetEntitiesLoaded sets the number of loaded entity definitions.
func (m *Metrics) SetEntitiesLoaded(count float64) {
	m.EntitiesLoaded.Set(count)
}

// SetSchemaComponentsIndexed sets the number of indexed schema components.
func (m *Metrics) SetSchemaComponentsIndexed(serviceID string, count float64) {
	m.SchemaComponentsIndexed.WithLabelValues(serviceID).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
