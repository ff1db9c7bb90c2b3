package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	RateLimitDenials *prometheus.CounterVec
	CSRFFailures     *prometheus.CounterVec
	ThreatsDetected  *prometheus.CounterVec

	SessionsActive  prometheus.Gauge
	LoginsTotal     *prometheus.CounterVec
	SessionRefresh  *prometheus.CounterVec
	LogoutsTotal    *prometheus.CounterVec
	LogoutNotifies  *prometheus.CounterVec

	ABACDecisions   *prometheus.CounterVec
	ABACEvalSeconds prometheus.Histogram

	TokenExchanges *prometheus.CounterVec

	ProxyRequests *prometheus.CounterVec
	ProxyRetries  prometheus.Counter

	WSConnections   prometheus.Gauge
	WSSubscriptions prometheus.Gauge
	WSFramesTotal   *prometheus.CounterVec

	AuditQueueDepth prometheus.Gauge
	AuditDropped    prometheus.Counter
}

// NewMetrics creates and registers all gateway metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_requests_total",
				Help: "Total HTTP requests handled by the gateway",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyfront_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimitDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_rate_limit_denials_total",
				Help: "Requests denied by the rate limiter",
			},
			[]string{"limiter"},
		),
		CSRFFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_csrf_failures_total",
				Help: "CSRF verification failures",
			},
			[]string{"reason"},
		),
		ThreatsDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_security_threats_total",
				Help: "Threats detected by the input scanner",
			},
			[]string{"type", "severity"},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyfront_sessions_active",
				Help: "Sessions currently resident in the store",
			},
		),
		LoginsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_logins_total",
				Help: "OIDC login completions",
			},
			[]string{"result"},
		),
		SessionRefresh: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_session_refresh_total",
				Help: "Transparent access-token refreshes",
			},
			[]string{"result"},
		),
		LogoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_logouts_total",
				Help: "Logout events by trigger",
			},
			[]string{"trigger", "status"},
		),
		LogoutNotifies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_logout_notifications_total",
				Help: "Back-channel logout notifications by result",
			},
			[]string{"result"},
		),
		ABACDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_abac_decisions_total",
				Help: "ABAC policy decisions",
			},
			[]string{"decision"},
		),
		ABACEvalSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keyfront_abac_evaluation_seconds",
				Help:    "ABAC evaluation latency",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
			},
		),
		TokenExchanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_token_exchanges_total",
				Help: "RFC 8693 token exchanges by result",
			},
			[]string{"result"},
		),
		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_proxy_requests_total",
				Help: "Reverse-proxied requests by downstream status class",
			},
			[]string{"status"},
		),
		ProxyRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keyfront_proxy_retries_total",
				Help: "Reverse proxy retry attempts",
			},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyfront_ws_connections",
				Help: "Active upstream WebSocket connections",
			},
		),
		WSSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyfront_ws_subscriptions",
				Help: "Active channel subscriptions",
			},
		),
		WSFramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyfront_ws_frames_total",
				Help: "WebSocket control frames by type and direction",
			},
			[]string{"type", "direction"},
		),
		AuditQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyfront_audit_queue_depth",
				Help: "Audit events waiting for flush",
			},
		),
		AuditDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keyfront_audit_dropped_total",
				Help: "Audit events dropped due to queue overflow or flush failure",
			},
		),
	}
}
