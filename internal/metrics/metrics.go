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
			Name: "comms_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comms_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	webhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_webhooks_received_total",
			Help: "Inbound provider webhooks by provider and outcome",
		},
		[]string{"provider", "result"},
	)

	messagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_messages_routed_total",
			Help: "Messages stored in conversations by direction",
		},
		[]string{"direction"},
	)

	outboundDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_outbound_deliveries_total",
			Help: "Messages handed to external conversation channels",
		},
		[]string{"channel", "result"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_notification_deliveries_total",
			Help: "Notification channel deliveries by channel and result",
		},
		[]string{"channel", "result"},
	)

	channelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comms_channel_send_seconds",
			Help:    "Time spent in a channel sender",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	campaignRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_campaign_recipients_total",
			Help: "Campaign recipients processed by campaign type and result",
		},
		[]string{"type", "result"},
	)

	campaignsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comms_campaigns_completed_total",
			Help: "Campaigns moved to CONCLUIDA after their end date",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comms_sqs_messages_in_flight",
			Help: "Email queue messages currently being processed",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comms_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comms_circuit_breaker_state",
			Help: "Circuit breaker state per downstream (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
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

// RecordWebhook records the outcome of an inbound webhook (accepted,
// duplicate, unauthorized, invalid, failed).
func RecordWebhook(provider, result string) {
	webhooksReceived.WithLabelValues(provider, result).Inc()
}

// RecordMessageRouted counts a stored message; direction is inbound or outbound.
func RecordMessageRouted(direction string) {
	messagesRouted.WithLabelValues(direction).Inc()
}

// RecordOutboundDelivery counts a conversation message pushed to an external channel.
func RecordOutboundDelivery(channel, result string) {
	outboundDeliveries.WithLabelValues(channel, result).Inc()
}

// RecordChannelDelivery records one notification channel send
func RecordChannelDelivery(channel, result string, latency time.Duration) {
	notificationsDispatched.WithLabelValues(channel, result).Inc()
	if latency > 0 {
		channelLatency.WithLabelValues(channel).Observe(latency.Seconds())
	}
}

// RecordCampaignRecipients adds n processed recipients of a campaign type
func RecordCampaignRecipients(campaignType, result string, n int) {
	campaignRecipients.WithLabelValues(campaignType, result).Add(float64(n))
}

// RecordCampaignCompleted counts an automatic campaign completion
func RecordCampaignCompleted() {
	campaignsCompleted.Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetBreakerState publishes the state of a named circuit breaker
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

// Middleware returns HTTP middleware that records request metrics. The chi
// route pattern is used as the path label so ids do not explode cardinality.
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
