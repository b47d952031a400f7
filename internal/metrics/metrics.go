package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "auth"

// Metrics groups the collectors exported on /metrics.
type Metrics struct {
	TokensIssued        *prometheus.CounterVec
	GrantFailures       *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
	SecurityEvents      *prometheus.CounterVec
	SecurityEventDrops  prometheus.Counter
	RequestDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_tokens_issued_total",
			Help:      "Access tokens issued, by grant type.",
		}, []string{"grant_type"}),
		GrantFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_grant_failures_total",
			Help:      "Rejected token requests, by internal reason.",
		}, []string{"reason"}),
		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by rate limiting, by bucket class.",
		}, []string{"class"}),
		SecurityEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events recorded, by type.",
		}, []string{"type"}),
		SecurityEventDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_event_write_failures_total",
			Help:      "Security events that could not be persisted.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// NewNop returns collectors bound to a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
