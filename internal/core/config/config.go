package config

import (
	"time"

	"github.com/vietddude/failover/internal/core/domain"
	"github.com/vietddude/failover/internal/infra/notify"
	"github.com/vietddude/failover/internal/infra/storage/postgres"
	"github.com/vietddude/failover/internal/learning"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig    `yaml:"server"`
	Logging  LoggingConfig   `yaml:"logging"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Redis    notify.Config   `yaml:"redis"`
	Database postgres.Config `yaml:"database"`
	Patterns PatternsConfig  `yaml:"patterns"`
	Learning learning.Config `yaml:"learning"`
	Fallback FallbackConfig  `yaml:"fallback"`

	// ErrorPatterns is the static, configuration-supplied detection set.
	ErrorPatterns []domain.ErrorPattern `yaml:"error_patterns"`

	// Reserved shapes: validated for well-formedness elsewhere, no runtime
	// engine consumes them yet.
	CircuitBreaker map[string]any `yaml:"circuit_breaker"`
	RetryPolicy    map[string]any `yaml:"retry_policy"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// GatewayConfig holds the host session API endpoint. Schemes http(s)://
// select the HTTP transport, grpc(s):// the gRPC transport.
type GatewayConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PatternsConfig holds the learned-pattern document settings.
type PatternsConfig struct {
	Path       string `yaml:"path"`
	MaxLearned int    `yaml:"max_learned"`
}

// FallbackConfig holds the fallback orchestration settings.
type FallbackConfig struct {
	Mode              domain.FallbackMode    `yaml:"mode"`
	Cooldown          time.Duration          `yaml:"cooldown"`
	DedupWindow       time.Duration          `yaml:"dedup_window"`
	RetryStateTimeout time.Duration          `yaml:"retry_state_timeout"`
	SessionTTL        time.Duration          `yaml:"session_ttl"`
	CleanupInterval   time.Duration          `yaml:"cleanup_interval"`
	Models            []domain.FallbackModel `yaml:"models"`
}
