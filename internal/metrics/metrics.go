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

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlistq_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waitlistq_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	joinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlistq_joins_total",
			Help: "Join attempts by outcome",
		},
		[]string{"outcome"},
	)

	referralsCredited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlistq_referrals_credited_total",
			Help: "Referrals credited to a referrer",
		},
	)

	joinRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlistq_join_retries_total",
			Help: "Join transactions retried after a position or code collision",
		},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlistq_notifications_created_total",
			Help: "Notification records written by type",
		},
		[]string{"type"},
	)

	notificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlistq_notifications_delivered_total",
			Help: "Delivery attempts by status and type",
		},
		[]string{"status", "type"},
	)

	scanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waitlistq_scan_duration_seconds",
			Help:    "Duration of scheduled notification scans",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"scan"},
	)

	scanErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlistq_scan_errors_total",
			Help: "Per-entity errors collected during scans",
		},
		[]string{"scan"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlistq_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"route"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "waitlistq_sender_circuit_state",
			Help: "Delivery circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
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

// RecordJoin records the outcome of one join: created, already_joined, closed, full, not_found, error
func RecordJoin(outcome string) {
	joinsTotal.WithLabelValues(outcome).Inc()
}

// RecordReferralCredited counts one credited referral
func RecordReferralCredited() {
	referralsCredited.Inc()
}

// RecordJoinRetry counts one retried join transaction
func RecordJoinRetry() {
	joinRetries.Inc()
}

// RecordNotificationCreated counts a notification record written by a scan
func RecordNotificationCreated(notifType string) {
	notificationsCreated.WithLabelValues(notifType).Inc()
}

// RecordNotificationDelivered records a delivery attempt result
func RecordNotificationDelivered(status, notifType string) {
	notificationsDelivered.WithLabelValues(status, notifType).Inc()
}

// RecordScan records one scan run and the number of entity errors it collected
func RecordScan(scan string, duration time.Duration, errs int) {
	scanDuration.WithLabelValues(scan).Observe(duration.Seconds())
	if errs > 0 {
		scanErrors.WithLabelValues(scan).Add(float64(errs))
	}
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
}

// SetBreakerState records the current state of a delivery circuit breaker
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
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

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled with the chi route pattern so IDs don't blow up cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
