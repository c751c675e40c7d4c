package metrics

import (
	"sync"
	"time"
)

// ModelStats is the per-model slice of the snapshot.
type ModelStats struct {
	RateLimits     int           `json:"rateLimits"`
	LastRateLimit  time.Time     `json:"lastRateLimit,omitempty"`
	Requests       int           `json:"requests"`
	Successes      int           `json:"successes"`
	Failures       int           `json:"failures"`
	AverageLatency time.Duration `json:"averageLatency"`

	totalLatency time.Duration
}

// Snapshot is the aggregate view served by the detailed health endpoint.
type Snapshot struct {
	FallbacksAttempted int                   `json:"fallbacksAttempted"`
	FallbacksSucceeded int                   `json:"fallbacksSucceeded"`
	FallbacksFailed    int                   `json:"fallbacksFailed"`
	AverageDuration    time.Duration         `json:"averageDuration"`
	Models             map[string]ModelStats `json:"models"`
}

// Collector implements the handler's metrics sink. Every sample updates the
// Prometheus series and the in-process snapshot.
type Collector struct {
	mu sync.Mutex

	attempted     int
	succeeded     int
	failed        int
	totalDuration time.Duration
	models        map[string]*ModelStats
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{models: make(map[string]*ModelStats)}
}

func (c *Collector) model(key string) *ModelStats {
	m, ok := c.models[key]
	if !ok {
		m = &ModelStats{}
		c.models[key] = m
	}
	return m
}

// RecordRateLimit records a rate-limit sample for a model.
func (c *Collector) RecordRateLimit(providerID, modelID string) {
	RateLimitsTotal.WithLabelValues(providerID, modelID).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.model(providerID + "/" + modelID)
	m.RateLimits++
	m.LastRateLimit = time.Now()
}

// RecordFallbackStart records a fallback attempt.
func (c *Collector) RecordFallbackStart() {
	FallbacksTotal.WithLabelValues("attempted").Inc()

	c.mu.Lock()
	c.attempted++
	c.mu.Unlock()
}

// RecordFallbackSuccess records a confirmed fallback and its duration.
func (c *Collector) RecordFallbackSuccess(duration time.Duration) {
	FallbacksTotal.WithLabelValues("succeeded").Inc()
	FallbackDuration.Observe(duration.Seconds())

	c.mu.Lock()
	c.succeeded++
	c.totalDuration += duration
	c.mu.Unlock()
}

// RecordFallbackFailure records a failed fallback attempt.
func (c *Collector) RecordFallbackFailure() {
	FallbacksTotal.WithLabelValues("failed").Inc()

	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

// RecordModelRequest records a re-issued request for a model.
func (c *Collector) RecordModelRequest(modelKey string) {
	ModelRequestsTotal.WithLabelValues(modelKey, "attempted").Inc()

	c.mu.Lock()
	c.model(modelKey).Requests++
	c.mu.Unlock()
}

// RecordModelSuccess records a completed request and its latency.
func (c *Collector) RecordModelSuccess(modelKey string, latency time.Duration) {
	ModelRequestsTotal.WithLabelValues(modelKey, "succeeded").Inc()
	ModelLatency.WithLabelValues(modelKey).Observe(latency.Seconds())

	c.mu.Lock()
	m := c.model(modelKey)
	m.Successes++
	m.totalLatency += latency
	m.AverageLatency = m.totalLatency / time.Duration(m.Successes)
	c.mu.Unlock()
}

// RecordModelFailure records a failed request for a model.
func (c *Collector) RecordModelFailure(modelKey string) {
	ModelRequestsTotal.WithLabelValues(modelKey, "failed").Inc()

	c.mu.Lock()
	c.model(modelKey).Failures++
	c.mu.Unlock()
}

// GetSnapshot returns a copy of the aggregate view.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		FallbacksAttempted: c.attempted,
		FallbacksSucceeded: c.succeeded,
		FallbacksFailed:    c.failed,
		Models:             make(map[string]ModelStats, len(c.models)),
	}
	if c.succeeded > 0 {
		snap.AverageDuration = c.totalDuration / time.Duration(c.succeeded)
	}
	for key, m := range c.models {
		snap.Models[key] = *m
	}
	return snap
}
