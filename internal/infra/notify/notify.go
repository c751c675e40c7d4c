// Package notify delivers user-facing notifications. Delivery is best
// effort by contract: callers ignore failures.
package notify

import (
	"context"
	"log/slog"

	"github.com/vietddude/failover/internal/core/domain"
)

// LogNotifier writes notifications to the log. It is the zero-config
// fallback when no redis channel is configured.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

// Notify logs the notification. It never fails.
func (n *LogNotifier) Notify(_ context.Context, note domain.Notification) error {
	n.log.Info("Notification",
		"title", note.Title, "message", note.Message, "variant", note.Variant)
	return nil
}
