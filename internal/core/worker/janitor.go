package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/failover/internal/fallback"
	"github.com/vietddude/failover/internal/learning"
	"github.com/vietddude/failover/internal/metrics"
)

// Janitor periodically evicts stale fallback state and refreshes the
// learned-pattern gauge. The sweep is idempotent: it only removes entries
// whose age already exceeds their TTL.
type Janitor struct {
	interval time.Duration
	handler  *fallback.Handler
	learner  *learning.Learner
}

// NewJanitor creates a new Janitor worker.
func NewJanitor(interval time.Duration, handler *fallback.Handler, learner *learning.Learner) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{interval: interval, handler: handler, learner: learner}
}

// Start runs the janitor loop until the context is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	j.handler.CleanupStaleEntries()

	stats := j.learner.Stats()
	metrics.LearnedPatterns.Set(float64(stats.LearnedPatterns))

	slog.Debug("Janitor sweep complete",
		"tracked", stats.TrackedPatterns, "pending", stats.PendingPatterns)
}
