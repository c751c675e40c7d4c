package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vietddude/failover/internal/core/domain"
)

const sampleConfig = `
server:
  port: 9090
logging:
  level: debug
gateway:
  endpoint: http://localhost:4096
  timeout: 10s
redis:
  url: ${TEST_REDIS_URL}
patterns:
  path: /tmp/patterns.json
  max_learned: 30
learning:
  enabled: true
  min_frequency: 5
  auto_approve_confidence: 0.85
fallback:
  mode: stop
  cooldown: 90s
  dedup_window: 3s
  models:
    - provider: anthropic
      model: claude-sonnet
    - provider: google
      model: gemini-pro
error_patterns:
  - name: anthropic-overloaded
    provider: anthropic
    patterns: ["overloaded", "529"]
    priority: 10
circuit_breaker:
  enabled: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Gateway.Endpoint != "http://localhost:4096" || cfg.Gateway.Timeout != 10*time.Second {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("env expansion failed: %q", cfg.Redis.URL)
	}
	if cfg.Patterns.MaxLearned != 30 {
		t.Errorf("MaxLearned = %d, want 30", cfg.Patterns.MaxLearned)
	}
	if !cfg.Learning.Enabled || cfg.Learning.MinFrequency != 5 || cfg.Learning.AutoApprove != 0.85 {
		t.Errorf("Learning = %+v", cfg.Learning)
	}
	if cfg.Fallback.Mode != domain.ModeStop {
		t.Errorf("Mode = %s, want stop", cfg.Fallback.Mode)
	}
	if cfg.Fallback.Cooldown != 90*time.Second || cfg.Fallback.DedupWindow != 3*time.Second {
		t.Errorf("Fallback timings = %+v", cfg.Fallback)
	}
	if len(cfg.Fallback.Models) != 2 || cfg.Fallback.Models[1].Key() != "google/gemini-pro" {
		t.Errorf("Models = %v", cfg.Fallback.Models)
	}
	if len(cfg.ErrorPatterns) != 1 || cfg.ErrorPatterns[0].Priority != 10 {
		t.Errorf("ErrorPatterns = %+v", cfg.ErrorPatterns)
	}
	if cfg.CircuitBreaker == nil {
		t.Error("reserved circuit_breaker section dropped")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway:\n  endpoint: http://localhost:4096\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Patterns.Path != "patterns.json" {
		t.Errorf("default patterns path = %q", cfg.Patterns.Path)
	}
	if cfg.Fallback.Cooldown != 60*time.Second {
		t.Errorf("default cooldown = %v", cfg.Fallback.Cooldown)
	}
	if cfg.Fallback.CleanupInterval != 5*time.Minute {
		t.Errorf("default cleanup interval = %v", cfg.Fallback.CleanupInterval)
	}
	if cfg.Gateway.Timeout != 30*time.Second {
		t.Errorf("default gateway timeout = %v", cfg.Gateway.Timeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "fallback: [not a map")); err == nil {
		t.Error("Load of invalid YAML succeeded")
	}
}
