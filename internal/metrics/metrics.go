package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensing_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "licensing_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Access Metrics
	AuthResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensing_auth_resolutions_total",
			Help: "Total credential resolutions by auth method",
		},
		[]string{"method"},
	)

	AccessVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensing_access_verdicts_total",
			Help: "Total access decisions by outcome and reason",
		},
		[]string{"allowed", "reason"},
	)

	// Consumption Metrics
	TokensConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensing_tokens_consumed_total",
			Help: "Total generation tokens consumed",
		},
		[]string{"spend"},
	)

	CreditsSpentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licensing_credits_spent_total",
			Help: "Total overflow credits spent",
		},
	)

	CreditsPurchasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licensing_credits_purchased_total",
			Help: "Total credits added through confirmed purchases",
		},
	)

	// Lifecycle Metrics
	SiteActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensing_site_activations_total",
			Help: "Total site activations by result",
		},
		[]string{"result"},
	)

	SiteDeactivationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licensing_site_deactivations_total",
			Help: "Total site deactivations",
		},
	)

	QuotaResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensing_quota_resets_total",
			Help: "Total monthly quota resets by scope",
		},
		[]string{"scope"},
	)
)
