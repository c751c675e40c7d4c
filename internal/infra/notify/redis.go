package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/failover/internal/core/domain"
)

// Config holds redis notification channel configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Channel  string `yaml:"channel"`
}

// RedisNotifier publishes notifications to a redis pub/sub channel the host
// UI subscribes to.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

// NewRedisNotifier creates a redis-backed notifier.
func NewRedisNotifier(cfg Config) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "failover:notifications"
	}
	return &RedisNotifier{rdb: rdb, channel: channel}, nil
}

// wireNotification is the published shape; duration travels in milliseconds.
type wireNotification struct {
	ID         string                     `json:"id"`
	Title      string                     `json:"title"`
	Message    string                     `json:"message"`
	Variant    domain.NotificationVariant `json:"variant"`
	DurationMs int64                      `json:"durationMs"`
}

// Notify publishes the notification as JSON. The caller treats failures as
// non-fatal.
func (n *RedisNotifier) Notify(ctx context.Context, note domain.Notification) error {
	payload, err := json.Marshal(wireNotification{
		ID:         note.ID,
		Title:      note.Title,
		Message:    note.Message,
		Variant:    note.Variant,
		DurationMs: note.Duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}
