package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes
const (
	OutcomePersisted = "persisted"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bellhop_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bellhop_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bellhop_dispatch_total",
			Help: "Dispatch requests by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bellhop_dispatch_duration_seconds",
			Help:    "Time from dispatch request to completed push fan-out",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
	)

	dedupRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bellhop_dedup_rejections_total",
			Help: "Candidates rejected as duplicates, by the check that caught them",
		},
		[]string{"check"},
	)

	pushAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bellhop_push_attempts_total",
			Help: "Push delivery attempts by platform and result",
		},
		[]string{"platform", "result"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bellhop_push_breaker_state",
			Help: "Push sender circuit state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"sender"},
	)

	channelRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bellhop_realtime_channel_retries_total",
			Help: "Realtime channel join retries after a transient failure",
		},
	)

	channelFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bellhop_realtime_channel_failures_total",
			Help: "Realtime channels that exhausted their retries",
		},
	)

	realtimeSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellhop_realtime_subscribers",
			Help: "Active realtime bridge subscribers",
		},
	)

	inboxSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellhop_inbox_sessions",
			Help: "Open inbox streaming sessions",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellhop_sqs_messages_in_flight",
			Help: "Current dispatch messages being processed from SQS",
		},
	)

	notificationsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bellhop_notifications_swept_total",
			Help: "Notifications deleted by the retention sweep",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bellhop_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"recipient_type"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellhop_db_connections_active",
			Help: "Acquired database connections",
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

// RecordDispatch records the outcome of one dispatch request
func RecordDispatch(source, outcome string, duration time.Duration) {
	dispatchTotal.WithLabelValues(source, outcome).Inc()
	if outcome == OutcomePersisted {
		dispatchDuration.Observe(duration.Seconds())
	}
}

// RecordDedupRejection records a duplicate caught by the given check ("store" or "claim")
func RecordDedupRejection(check string) {
	dedupRejections.WithLabelValues(check).Inc()
}

// RecordPushAttempt records one push delivery attempt
func RecordPushAttempt(platform, result string) {
	pushAttempts.WithLabelValues(platform, result).Inc()
}

// SetBreakerState records the circuit state of a push sender
func SetBreakerState(sender string, state int) {
	breakerState.WithLabelValues(sender).Set(float64(state))
}

// RecordChannelRetry records a realtime channel retry
func RecordChannelRetry() {
	channelRetries.Inc()
}

// RecordChannelFailure records a realtime channel that gave up
func RecordChannelFailure() {
	channelFailures.Inc()
}

// AddRealtimeSubscribers adjusts the active subscriber gauge by delta
func AddRealtimeSubscribers(delta int) {
	realtimeSubscribers.Add(float64(delta))
}

// AddInboxSessions adjusts the open session gauge by delta
func AddInboxSessions(delta int) {
	inboxSessions.Add(float64(delta))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordSwept records rows removed by the retention sweep
func RecordSwept(count int64) {
	notificationsSwept.Add(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(recipientType string) {
	rateLimitRejections.WithLabelValues(recipientType).Inc()
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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

// Flush lets streaming handlers behind the middleware flush
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled by chi route pattern to keep cardinality bounded.
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
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
