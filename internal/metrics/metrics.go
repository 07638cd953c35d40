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
			Name: "marquee_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marquee_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_webhook_events_total",
			Help: "Webhook events received by source, event type, and outcome",
		},
		[]string{"source", "event", "outcome"},
	)

	notificationsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_notifications_queued_total",
			Help: "Notifications written to the queue by type",
		},
		[]string{"type"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_notifications_processed_total",
			Help: "Notifications processed by the dispatcher by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marquee_notification_latency_seconds",
			Help:    "Time from queueing to delivery",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"type"},
	)

	dispatchExtensions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marquee_dispatch_extensions_total",
			Help: "Episode notifications delayed because more downloads were in flight",
		},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marquee_dispatch_batch_episodes",
			Help:    "Episodes per delivered episode email",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 24},
		},
	)

	workerCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marquee_worker_cycle_seconds",
			Help:    "Duration of one periodic worker cycle",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"worker", "outcome"},
	)

	upstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_upstream_requests_total",
			Help: "Calls to Sonarr, Radarr, Plex and the request tracker by outcome",
		},
		[]string{"upstream", "outcome"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marquee_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	replayHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marquee_webhook_replay_hits_total",
			Help: "Webhook deliveries acknowledged from the replay cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	queueAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marquee_queue_alerts_total",
			Help: "Stuck download alerts and automatic fixes by service and kind",
		},
		[]string{"service", "kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordWebhook records one webhook delivery.
func RecordWebhook(source, event, outcome string) {
	webhookEvents.WithLabelValues(source, event, outcome).Inc()
}

// RecordNotificationQueued records a notification written to the queue.
func RecordNotificationQueued(typ string) {
	notificationsQueued.WithLabelValues(typ).Inc()
}

// RecordNotificationProcessed records a dispatcher result.
func RecordNotificationProcessed(typ, outcome string) {
	notificationsProcessed.WithLabelValues(typ, outcome).Inc()
}

// RecordNotificationLatency records queue-to-delivery time.
func RecordNotificationLatency(typ string, latency time.Duration) {
	notificationLatency.WithLabelValues(typ).Observe(latency.Seconds())
}

// RecordDispatchExtension counts one send_after extension.
func RecordDispatchExtension() {
	dispatchExtensions.Inc()
}

// RecordBatchSize records how many episodes went out in one email.
func RecordBatchSize(episodes int) {
	batchSize.Observe(float64(episodes))
}

// ObserveWorkerCycle records one periodic worker pass.
func ObserveWorkerCycle(worker string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	workerCycleDuration.WithLabelValues(worker, outcome).Observe(duration.Seconds())
}

// RecordUpstream records one upstream call outcome.
func RecordUpstream(upstream, outcome string) {
	upstreamRequests.WithLabelValues(upstream, outcome).Inc()
}

// SetCircuitBreakerState publishes a breaker state (0 closed, 1 half-open, 2 open).
func SetCircuitBreakerState(name string, state float64) {
	circuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordReplayHit records a webhook answered from the replay cache.
func RecordReplayHit() {
	replayHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// RecordQueueAlert records a stuck alert or automatic fix.
func RecordQueueAlert(service, kind string) {
	queueAlerts.WithLabelValues(service, kind).Inc()
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

// Middleware returns HTTP middleware that records request metrics, labelled by
// chi route pattern so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
