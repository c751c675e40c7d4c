// Package metrics exposes fallback outcome metrics to Prometheus and keeps
// an in-process snapshot for the detailed health endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RateLimitsTotal tracks rate limits per provider and model
	RateLimitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_rate_limits_total",
			Help: "Total number of rate limits observed",
		},
		[]string{"provider", "model"},
	)

	// FallbacksTotal tracks fallback attempts by outcome
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_fallbacks_total",
			Help: "Total number of fallback attempts by outcome",
		},
		[]string{"outcome"},
	)

	// FallbackDuration tracks trigger-to-confirmation latency
	FallbackDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "failover_fallback_duration_seconds",
			Help:    "Fallback duration from trigger to confirmation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ModelRequestsTotal tracks re-issued requests per model and outcome
	ModelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_model_requests_total",
			Help: "Total number of re-issued model requests",
		},
		[]string{"model", "outcome"},
	)

	// ModelLatency tracks assignment-to-completion latency per model
	ModelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "failover_model_latency_seconds",
			Help:    "Model latency from assignment to completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// LearnedPatterns tracks the size of the promoted pattern set
	LearnedPatterns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "failover_learned_patterns",
			Help: "Number of promoted learned patterns",
		},
	)
)
