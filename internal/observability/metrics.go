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
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the BFF.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Reconciliation metrics
	ReconcileTotal    *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	ReconcileSkipped  *prometheus.CounterVec

	// Auto-save metrics
	AutosaveFlushesTotal   *prometheus.CounterVec
	AutosaveCoalescedTotal prometheus.Counter
	AutosaveFailuresTotal  *prometheus.CounterVec
	AutosavePendingSessions prometheus.Gauge

	// Snapshot store metrics
	SnapshotHitsTotal   *prometheus.CounterVec
	SnapshotMissesTotal *prometheus.CounterVec
	SnapshotErrorsTotal *prometheus.CounterVec

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// System metrics
	OpenAPIOperationsIndexed *prometheus.GaugeVec
	DraftsCreatedTotal       *prometheus.CounterVec
	DraftsActivatedTotal     *prometheus.CounterVec
	PaymentsTotal            *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Reconciliation
		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_reconcile_total",
			Help: "Total number of resume reconciliations by outcome source.",
		}, []string{"source", "authenticated"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_reconcile_duration_seconds",
			Help:    "Resume reconciliation duration in seconds.",
			Buckets: backendDurationBuckets,
		}),
		ReconcileSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_reconcile_skipped_total",
			Help: "Total reconciliations skipped by the idempotence guard.",
		}, []string{"reason"}),

		// Auto-save
		AutosaveFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_autosave_flushes_total",
			Help: "Total number of auto-save flushes by target.",
		}, []string{"target"}),
		AutosaveCoalescedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_autosave_coalesced_total",
			Help: "Total auto-save triggers collapsed into a pending flush.",
		}),
		AutosaveFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_autosave_failures_total",
			Help: "Total number of failed auto-save flushes by target.",
		}, []string{"target"}),
		AutosavePendingSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intake_autosave_pending_sessions",
			Help: "Number of sessions with a scheduled or in-flight auto-save.",
		}),

		// Snapshot store
		SnapshotHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_snapshot_hits_total",
			Help: "Total snapshot store reads that found a value.",
		}, []string{"field"}),
		SnapshotMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_snapshot_misses_total",
			Help: "Total snapshot store reads that found nothing.",
		}, []string{"field"}),
		SnapshotErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_snapshot_errors_total",
			Help: "Total snapshot store operations that failed.",
		}, []string{"field", "op"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_backend_requests_total",
			Help: "Total number of backend service requests.",
		}, []string{"service_id", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intake_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"service_id"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"service_id"}),

		// System
		OpenAPIOperationsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intake_openapi_operations_indexed",
			Help: "Number of indexed OpenAPI operations.",
		}, []string{"service_id"}),
		DraftsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_drafts_created_total",
			Help: "Total number of work drafts created.",
		}, []string{"work_type"}),
		DraftsActivatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_drafts_activated_total",
			Help: "Total number of work drafts activated.",
		}, []string{"work_type"}),
		PaymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_payments_total",
			Help: "Total number of payment attempts by outcome.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Reconciliation
		m.ReconcileTotal,
		m.ReconcileDuration,
		m.ReconcileSkipped,
		// Auto-save
		m.AutosaveFlushesTotal,
		m.AutosaveCoalescedTotal,
		m.AutosaveFailuresTotal,
		m.AutosavePendingSessions,
		// Snapshot store
		m.SnapshotHitsTotal,
		m.SnapshotMissesTotal,
		m.SnapshotErrorsTotal,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// System
		m.OpenAPIOperationsIndexed,
		m.DraftsCreatedTotal,
		m.DraftsActivatedTotal,
		m.PaymentsTotal,
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

// RecordReconcile records a completed resume reconciliation.
func (m *Metrics) RecordReconcile(source string, authenticated bool, duration time.Duration) {
	m.ReconcileTotal.WithLabelValues(source, strconv.FormatBool(authenticated)).Inc()
	m.ReconcileDuration.Observe(duration.Seconds())
}

// RecordReconcileSkipped records a reconciliation short-circuited by the
// idempotence guard.
func (m *Metrics) RecordReconcileSkipped(reason string) {
	m.ReconcileSkipped.WithLabelValues(reason).Inc()
}

// RecordAutosaveFlush records a completed auto-save flush.
func (m *Metrics) RecordAutosaveFlush(target string) {
	m.AutosaveFlushesTotal.WithLabelValues(target).Inc()
}

// RecordAutosaveCoalesced records a trigger collapsed into a pending flush.
func (m *Metrics) RecordAutosaveCoalesced() {
	m.AutosaveCoalescedTotal.Inc()
}

// RecordAutosaveFailure records a failed auto-save flush.
func (m *Metrics) RecordAutosaveFailure(target string) {
	m.AutosaveFailuresTotal.WithLabelValues(target).Inc()
}

// SetAutosavePendingSessions sets the number of sessions with pending saves.
func (m *Metrics) SetAutosavePendingSessions(count float64) {
	m.AutosavePendingSessions.Set(count)
}

// RecordSnapshotHit records a snapshot store read that found a value.
func (m *Metrics) RecordSnapshotHit(field string) {
	m.SnapshotHitsTotal.WithLabelValues(field).Inc()
}

// RecordSnapshotMiss records a snapshot store read that found nothing.
func (m *Metrics) RecordSnapshotMiss(field string) {
	m.SnapshotMissesTotal.WithLabelValues(field).Inc()
}

// RecordSnapshotError records a failed snapshot store operation.
func (m *Metrics) RecordSnapshotError(field, op string) {
	m.SnapshotErrorsTotal.WithLabelValues(field, op).Inc()
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(serviceID string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(serviceID, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=open, 2=half-open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// SetOpenAPIOperationsIndexed sets the number of indexed OpenAPI operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(serviceID string, count float64) {
	m.OpenAPIOperationsIndexed.WithLabelValues(serviceID).Set(count)
}

// RecordDraftCreated records a work draft creation.
func (m *Metrics) RecordDraftCreated(workType string) {
	m.DraftsCreatedTotal.WithLabelValues(workType).Inc()
}

// RecordDraftActivated records a work draft activation.
func (m *Metrics) RecordDraftActivated(workType string) {
	m.DraftsActivatedTotal.WithLabelValues(workType).Inc()
}

// RecordPayment records a payment attempt outcome.
func (m *Metrics) RecordPayment(status string) {
	m.PaymentsTotal.WithLabelValues(status).Inc()
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
