package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbx_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tbx_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsDisplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbx_notifications_displayed_total",
			Help: "System notifications displayed by type",
		},
		[]string{"type"},
	)

	notificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbx_notifications_failed_total",
			Help: "System notification display failures by type",
		},
		[]string{"type"},
	)

	notificationsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbx_notifications_deduplicated_total",
			Help: "Notification sends skipped because the key was already sent",
		},
		[]string{"type"},
	)

	medicationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbx_medication_transitions_total",
			Help: "Medication lifecycle transitions by target status",
		},
		[]string{"status"},
	)

	unreadCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tbx_unread_notifications",
			Help: "Current unread notification count",
		},
	)

	syncMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbx_sync_messages_total",
			Help: "Cross-instance state messages by direction and result",
		},
		[]string{"result"},
	)

	storageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbx_storage_errors_total",
			Help: "State storage failures by operation",
		},
		[]string{"op"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tbx_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbx_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"kind"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tbx_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tbx_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationDisplayed counts a notification the presenter accepted
func RecordNotificationDisplayed(kind string) {
	notificationsDisplayed.WithLabelValues(kind).Inc()
}

// RecordNotificationFailed counts a presenter failure
func RecordNotificationFailed(kind string) {
	notificationsFailed.WithLabelValues(kind).Inc()
}

// RecordNotificationDeduplicated counts a send skipped by the dedup set
func RecordNotificationDeduplicated(kind string) {
	notificationsDeduplicated.WithLabelValues(kind).Inc()
}

// RecordTransition counts a medication moving into status
func RecordTransition(status string) {
	medicationTransitions.WithLabelValues(status).Inc()
}

// SetUnread sets the unread gauge
func SetUnread(count int) {
	unreadCount.Set(float64(count))
}

// RecordSyncMessage counts a sync message by result (published, adopted, stale, ...)
func RecordSyncMessage(result string) {
	syncMessages.WithLabelValues(result).Inc()
}

// RecordStorageError counts a failed storage operation
func RecordStorageError(op string) {
	storageErrors.WithLabelValues(op).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection by key kind
// ("ip", "user").
func RecordRateLimitRejection(kind string) {
	rateLimitRejections.WithLabelValues(kind).Inc()
}

// SetCircuitState records the numeric state of a named breaker
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by chi route pattern so path parameters don't
// explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
