// Package metrics holds the Prometheus instruments of the mail client. The
// collectors register with the default registry; cmd/mailproxy exposes them
// with promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection pool metrics
var (
	PoolSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailer_pool_sessions",
			Help: "Current number of SMTP sessions in a pool, by state",
		},
		[]string{"pool", "state"},
	)

	PoolWaiters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailer_pool_waiters",
			Help: "Current number of callers waiting for a pooled session",
		},
		[]string{"pool"},
	)

	PoolDialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_pool_dials_total",
			Help: "Total number of SMTP sessions dialed",
		},
		[]string{"pool", "result"},
	)

	PoolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_pool_evictions_total",
			Help: "Total number of idle sessions closed by the pool",
		},
		[]string{"pool", "reason"},
	)

	PoolAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailer_pool_acquire_duration_seconds",
			Help:    "Time spent acquiring a pooled session",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"pool"},
	)
)

// Send metrics
var (
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_sends_total",
			Help: "Total number of messages sent, by result (ok or error kind)",
		},
		[]string{"result"},
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailer_send_duration_seconds",
			Help:    "Duration of SendMail calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	MessageBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailer_message_bytes",
			Help:    "Size of encoded messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	RecipientsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_recipients_rejected_total",
			Help: "Total number of recipients rejected by the server",
		},
	)
)

// Proxy metrics
var (
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_proxy_requests_total",
			Help: "Total number of requests handled by the proxy gateway",
		},
		[]string{"address", "result"},
	)

	ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailer_proxy_request_duration_seconds",
			Help:    "Duration of proxy gateway requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"address"},
	)
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Eviction reasons.
const (
	EvictIdleTimeout = "idle_timeout"
	EvictProbeFailed = "probe_failed"
)
