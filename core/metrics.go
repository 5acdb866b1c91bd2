package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus 指标，/metrics 暴露
var (
	metricAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_upstream_attempts_total",
		Help: "Total upstream generation attempts.",
	})

	metricBlacklists = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_key_blacklists_total",
		Help: "Key blacklist events by failure class.",
	}, []string{"class"})

	metricRateDeferrals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limit_deferrals_total",
		Help: "Attempts deferred because the credential hit its sliding window limit.",
	})

	metricUpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_errors_total",
		Help: "Classified upstream errors.",
	}, []string{"class"})

	metricCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_completions_total",
		Help: "Finished chat completion requests by outcome.",
	}, []string{"outcome"})
)
