// Package control wires the fallback subsystem together and runs its
// lifecycle: storage selection, learner hydration, event server, janitor.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vietddude/failover/internal/core/config"
	"github.com/vietddude/failover/internal/core/domain"
	"github.com/vietddude/failover/internal/core/worker"
	"github.com/vietddude/failover/internal/fallback"
	"github.com/vietddude/failover/internal/infra/gateway"
	"github.com/vietddude/failover/internal/infra/notify"
	"github.com/vietddude/failover/internal/infra/storage"
	"github.com/vietddude/failover/internal/infra/storage/jsonfile"
	"github.com/vietddude/failover/internal/infra/storage/postgres"
	"github.com/vietddude/failover/internal/learning"
	"github.com/vietddude/failover/internal/metrics"
	"github.com/vietddude/failover/internal/session"
)

// Config holds the application configuration.
type Config struct {
	Port          int
	Gateway       config.GatewayConfig
	Redis         notify.Config
	Database      postgres.Config
	Patterns      config.PatternsConfig
	Learning      learning.Config
	Fallback      config.FallbackConfig
	ErrorPatterns []domain.ErrorPattern
}

// Service is the running fallback subsystem.
type Service struct {
	cfg      Config
	handler  *fallback.Handler
	learner  *learning.Learner
	registry *session.Registry
	metrics  *metrics.Collector
	server   *Server
	janitor  *worker.Janitor
	db       *postgres.DB
	notifier fallback.Notifier
	log      *slog.Logger

	cancelJanitor context.CancelFunc
}

// NewService creates a Service with all dependencies initialized.
func NewService(cfg Config) (*Service, error) {
	log := slog.Default()

	// 1. Storage: postgres when configured, otherwise the JSON document.
	var store storage.PatternStore
	var db *postgres.DB
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate("migrations"); err != nil {
			return nil, err
		}
		store = postgres.NewPatternRepo(db, cfg.Patterns.MaxLearned, log)
		slog.Info("Using PostgreSQL pattern store")
	} else {
		store = jsonfile.NewStore(cfg.Patterns.Path, cfg.Patterns.MaxLearned, log)
		slog.Info("Using JSON pattern store", "path", cfg.Patterns.Path)
	}

	// 2. Learner, hydrated from storage.
	learner := learning.NewLearner(cfg.Learning, store, cfg.ErrorPatterns, log)
	learner.LoadLearnedPatterns(context.Background())

	// 3. Host collaborators.
	var gw fallback.SessionGateway
	switch {
	case strings.HasPrefix(cfg.Gateway.Endpoint, "grpc://"),
		strings.HasPrefix(cfg.Gateway.Endpoint, "grpcs://"):
		g, err := gateway.NewGRPCGateway(context.Background(), cfg.Gateway.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to init grpc gateway: %w", err)
		}
		gw = g
	case cfg.Gateway.Endpoint != "":
		gw = gateway.NewHTTPGateway(cfg.Gateway.Endpoint, cfg.Gateway.Timeout)
	default:
		return nil, fmt.Errorf("gateway endpoint is required")
	}

	var notifier fallback.Notifier
	if cfg.Redis.URL != "" {
		rn, err := notify.NewRedisNotifier(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis notifier: %w", err)
		}
		notifier = rn
		slog.Info("Using redis notification channel")
	} else {
		notifier = notify.NewLogNotifier(log)
	}

	// 4. Core state machine.
	registry := session.NewRegistry()
	collector := metrics.NewCollector()
	selector := fallback.NewSelector(cfg.Fallback.Models, cfg.Fallback.Cooldown)
	handler := fallback.NewHandler(
		fallback.Config{
			Mode:              cfg.Fallback.Mode,
			DedupWindow:       cfg.Fallback.DedupWindow,
			RetryStateTimeout: cfg.Fallback.RetryStateTimeout,
			SessionTTL:        cfg.Fallback.SessionTTL,
		},
		selector, gw, notifier, registry, collector, log,
	)

	s := &Service{
		cfg:      cfg,
		handler:  handler,
		learner:  learner,
		registry: registry,
		metrics:  collector,
		janitor:  worker.NewJanitor(cfg.Fallback.CleanupInterval, handler, learner),
		db:       db,
		notifier: notifier,
		log:      log,
	}
	s.server = NewServer(s, cfg.Port)
	return s, nil
}

// Start launches the event server and the janitor.
func (s *Service) Start(ctx context.Context) error {
	janitorCtx, cancel := context.WithCancel(ctx)
	s.cancelJanitor = cancel
	go s.janitor.Start(janitorCtx)

	go func() {
		if err := s.server.Start(); err != nil {
			s.log.Error("Event server stopped", "error", err)
		}
	}()

	s.log.Info("Failover service started", "port", s.cfg.Port,
		"models", len(s.cfg.Fallback.Models), "mode", s.cfg.Fallback.Mode)
	return nil
}

// Stop shuts the service down and clears in-memory state.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancelJanitor != nil {
		s.cancelJanitor()
	}
	if err := s.server.Stop(ctx); err != nil {
		return err
	}
	s.handler.Destroy()

	if closer, ok := s.notifier.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return nil
}
