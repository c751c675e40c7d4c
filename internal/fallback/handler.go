package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/failover/internal/core/domain"
)

// SessionGateway is the host's session I/O surface.
type SessionGateway interface {
	// Abort cancels the in-flight request for a session.
	Abort(ctx context.Context, sessionID string) error

	// Messages returns the session's message history.
	Messages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// Resend re-issues the given parts against the session with a new model.
	Resend(ctx context.Context, sessionID string, parts []domain.Part, model domain.FallbackModel) error
}

// Notifier delivers best-effort user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// HierarchyResolver resolves root sessions and owns all hierarchy state,
// including fallback-progress mutation. The handler never touches hierarchy
// entries directly; everything goes through these methods under the
// resolver's own lock.
type HierarchyResolver interface {
	RootSessionOf(sessionID string) (string, bool)

	// MarkFallbackState records fallback progress on the hierarchy the
	// session belongs to. No-op for sessions outside any hierarchy.
	MarkFallbackState(sessionID string, state domain.FallbackState)

	// CompleteFallback marks the root's hierarchy completed and returns the
	// subagent session ids so the outcome can be propagated to them.
	CompleteFallback(rootID string) []string
}

// MetricsSink records fallback outcome metrics.
type MetricsSink interface {
	RecordRateLimit(providerID, modelID string)
	RecordFallbackStart()
	RecordFallbackSuccess(duration time.Duration)
	RecordFallbackFailure()
	RecordModelRequest(modelKey string)
	RecordModelSuccess(modelKey string, latency time.Duration)
	RecordModelFailure(modelKey string)
}

// Config holds handler timing and mode settings. Zero durations fall back
// to defaults.
type Config struct {
	Mode              domain.FallbackMode `yaml:"mode"`
	DedupWindow       time.Duration       `yaml:"dedup_window"`
	RetryStateTimeout time.Duration       `yaml:"retry_state_timeout"`
	SessionTTL        time.Duration       `yaml:"session_ttl"`
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = domain.ModeCycle
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Second
	}
	if c.RetryStateTimeout <= 0 {
		c.RetryStateTimeout = 10 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = time.Hour
	}
	return c
}

// retryState remembers which models were already attempted for one message.
type retryState struct {
	attempted   map[string]struct{}
	lastAttempt time.Time
}

// trackedModel is the handler's memory of what model a session is on.
type trackedModel struct {
	model       domain.FallbackModel
	lastUpdated time.Time
}

// activeAttempt correlates a later completion event back to the fallback
// that produced it.
type activeAttempt struct {
	sessionID       string
	messageID       string
	modelKey        string
	startedAt       time.Time
	modelAssignedAt time.Time
}

// Handler is the fallback orchestration state machine. All registries are
// instance-owned keyed maps; no external writer is permitted.
type Handler struct {
	cfg      Config
	selector *Selector
	gateway  SessionGateway
	notifier Notifier
	resolver HierarchyResolver
	metrics  MetricsSink
	log      *slog.Logger

	mu          sync.Mutex
	retryStates map[string]*retryState    // session/message -> attempts
	dedup       map[string]time.Time      // session/message -> fallback start
	tracked     map[string]trackedModel   // session -> current model
	active      map[string]*activeAttempt // session/message -> attempt
	nowFunc     func() time.Time
}

// NewHandler wires the state machine to its collaborators.
func NewHandler(
	cfg Config,
	selector *Selector,
	gateway SessionGateway,
	notifier Notifier,
	resolver HierarchyResolver,
	metrics MetricsSink,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		cfg:         cfg.withDefaults(),
		selector:    selector,
		gateway:     gateway,
		notifier:    notifier,
		resolver:    resolver,
		metrics:     metrics,
		log:         log,
		retryStates: make(map[string]*retryState),
		dedup:       make(map[string]time.Time),
		tracked:     make(map[string]trackedModel),
		active:      make(map[string]*activeAttempt),
		nowFunc:     time.Now,
	}
}

// Selector exposes the cooldown registry owner, mainly for stats endpoints.
func (h *Handler) Selector() *Selector {
	return h.selector
}

// TrackSessionModel records what model a session is currently on. The host
// calls this when it assigns a model outside the fallback flow so later
// events can be attributed.
func (h *Handler) TrackSessionModel(sessionID, providerID, modelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracked[sessionID] = trackedModel{
		model:       domain.FallbackModel{ProviderID: providerID, ModelID: modelID},
		lastUpdated: h.nowFunc(),
	}
}

// HandleRateLimitFallback drives one fallback episode for a session that
// just hit a rate limit. It never lets a failure escape to the caller: every
// error is logged and swallowed.
func (h *Handler) HandleRateLimitFallback(ctx context.Context, sessionID, providerID, modelID string) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn("Fallback handling panicked", "session", sessionID, "panic", r)
		}
	}()

	if err := h.runFallback(ctx, sessionID, providerID, modelID); err != nil {
		h.log.Warn("Fallback handling failed", "session", sessionID, "error", err)
	}
}

func (h *Handler) runFallback(ctx context.Context, sessionID, providerID, modelID string) error {
	// Operate against the root session when the event came from a subagent.
	target := sessionID
	if root, ok := h.resolver.RootSessionOf(sessionID); ok && root != "" {
		target = root
	}

	// Recover missing model identifiers from the tracked-session map.
	if providerID == "" || modelID == "" {
		h.mu.Lock()
		if tm, ok := h.tracked[target]; ok {
			providerID, modelID = tm.model.ProviderID, tm.model.ModelID
		} else if tm, ok := h.tracked[sessionID]; ok {
			providerID, modelID = tm.model.ProviderID, tm.model.ModelID
		}
		h.mu.Unlock()
	}

	current := domain.FallbackModel{ProviderID: providerID, ModelID: modelID}
	if !current.IsZero() {
		h.metrics.RecordRateLimit(providerID, modelID)
		h.selector.MarkModelRateLimited(providerID, modelID)
	}

	if err := h.gateway.Abort(ctx, target); err != nil {
		h.log.Debug("Abort failed, continuing", "session", target, "error", err)
	}

	h.notify(ctx, domain.Notification{
		Title:    "Rate Limit Detected",
		Message:  fmt.Sprintf("Rate limit hit on %s, switching models", current),
		Variant:  domain.VariantWarning,
		Duration: 5 * time.Second,
	})

	messages, err := h.gateway.Messages(ctx, target)
	if err != nil || len(messages) == 0 {
		h.log.Debug("No message history for session, stopping", "session", target, "error", err)
		return nil
	}

	userMsg := lastUserMessage(messages)
	if userMsg == nil {
		h.log.Debug("No user message to retry, stopping", "session", target)
		return nil
	}

	key := attemptKey(target, userMsg.ID)
	now := h.nowFunc()

	h.mu.Lock()
	if startedAt, ok := h.dedup[key]; ok && now.Sub(startedAt) <= h.cfg.DedupWindow {
		h.mu.Unlock()
		h.log.Debug("Duplicate fallback trigger suppressed", "key", key)
		return nil
	}
	h.dedup[key] = now

	rs, ok := h.retryStates[key]
	if !ok || now.Sub(rs.lastAttempt) > h.cfg.RetryStateTimeout {
		rs = &retryState{attempted: make(map[string]struct{})}
		h.retryStates[key] = rs
	}
	// Snapshot the attempted set: the live map stays behind h.mu while the
	// selector reads the copy, so a concurrent episode for the same message
	// cannot race the lookup.
	attempted := make(map[string]struct{}, len(rs.attempted))
	for modelKey := range rs.attempted {
		attempted[modelKey] = struct{}{}
	}
	h.mu.Unlock()

	h.resolver.MarkFallbackState(sessionID, domain.FallbackInProgress)

	next, ok := h.selector.NextModel(current, attempted)
	if !ok {
		h.notifyExhausted(ctx)
		h.mu.Lock()
		delete(h.retryStates, key)
		delete(h.dedup, key)
		h.mu.Unlock()
		return nil
	}

	h.mu.Lock()
	rs.attempted[next.Key()] = struct{}{}
	rs.lastAttempt = now
	h.mu.Unlock()

	parts := userMsg.ResendableParts()
	if len(parts) == 0 {
		h.mu.Lock()
		delete(h.dedup, key)
		h.mu.Unlock()
		h.log.Debug("Nothing resendable in message, stopping", "session", target, "message", userMsg.ID)
		return nil
	}

	h.notify(ctx, domain.Notification{
		Title:    "Retrying",
		Message:  fmt.Sprintf("Retrying with model %s", next),
		Variant:  domain.VariantInfo,
		Duration: 5 * time.Second,
	})
	h.metrics.RecordFallbackStart()
	h.metrics.RecordModelRequest(next.Key())

	h.mu.Lock()
	h.active[key] = &activeAttempt{
		sessionID:       target,
		messageID:       userMsg.ID,
		modelKey:        next.Key(),
		startedAt:       now,
		modelAssignedAt: h.nowFunc(),
	}
	h.mu.Unlock()

	if err := h.gateway.Resend(ctx, target, parts, next); err != nil {
		// The outcome surfaces through the completion event path, never
		// through immediate re-invocation.
		return fmt.Errorf("resend with %s: %w", next, err)
	}

	h.mu.Lock()
	h.tracked[target] = trackedModel{model: next, lastUpdated: h.nowFunc()}
	h.mu.Unlock()

	// Subagents never parent other subagents, so propagation is a single
	// pass over the root's subagent ids.
	if subagents := h.resolver.CompleteFallback(target); len(subagents) > 0 {
		propagatedAt := h.nowFunc()
		h.mu.Lock()
		for _, id := range subagents {
			h.tracked[id] = trackedModel{model: next, lastUpdated: propagatedAt}
		}
		h.mu.Unlock()
	}

	h.notify(ctx, domain.Notification{
		Title:    "Fallback Successful",
		Message:  fmt.Sprintf("Request re-issued with %s", next),
		Variant:  domain.VariantSuccess,
		Duration: 5 * time.Second,
	})
	return nil
}

// HandleMessageUpdated consumes completion events and settles any fallback
// attempt tracked for the message.
func (h *Handler) HandleMessageUpdated(ctx context.Context, sessionID, messageID string, hasError, isRateLimitError bool) {
	_ = ctx

	target := sessionID
	if root, ok := h.resolver.RootSessionOf(sessionID); ok && root != "" {
		target = root
	}
	key := attemptKey(target, messageID)
	now := h.nowFunc()

	h.mu.Lock()
	defer h.mu.Unlock()

	if !hasError {
		attempt, ok := h.active[key]
		if !ok {
			return
		}
		delete(h.active, key)
		delete(h.dedup, key)
		h.metrics.RecordFallbackSuccess(now.Sub(attempt.startedAt))
		h.metrics.RecordModelSuccess(attempt.modelKey, now.Sub(attempt.modelAssignedAt))
		h.log.Info("Fallback confirmed",
			"session", target, "message", messageID, "model", attempt.modelKey)
		return
	}

	if isRateLimitError {
		// A fresh rate-limit event will drive the next fallback episode.
		return
	}

	if tm, ok := h.tracked[target]; ok {
		h.metrics.RecordModelFailure(tm.model.Key())
	}
	if attempt, ok := h.active[key]; ok {
		h.metrics.RecordFallbackFailure()
		delete(h.active, key)
		delete(h.dedup, key)
		h.log.Warn("Fallback attempt failed",
			"session", target, "message", messageID, "model", attempt.modelKey)
	}
}

// CleanupStaleEntries evicts expired registry entries. Invoked periodically
// by an external scheduler; idempotent.
func (h *Handler) CleanupStaleEntries() {
	now := h.nowFunc()

	h.mu.Lock()
	for id, tm := range h.tracked {
		if now.Sub(tm.lastUpdated) > h.cfg.SessionTTL {
			delete(h.tracked, id)
		}
	}
	for key, rs := range h.retryStates {
		if now.Sub(rs.lastAttempt) > h.cfg.RetryStateTimeout {
			delete(h.retryStates, key)
		}
	}
	for key, attempt := range h.active {
		if now.Sub(attempt.startedAt) > h.cfg.SessionTTL {
			delete(h.active, key)
			delete(h.dedup, key)
		}
	}
	h.mu.Unlock()

	h.selector.CleanupCooldowns()
}

// Destroy clears all in-memory state. Used at shutdown.
func (h *Handler) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retryStates = make(map[string]*retryState)
	h.dedup = make(map[string]time.Time)
	h.tracked = make(map[string]trackedModel)
	h.active = make(map[string]*activeAttempt)
}

func (h *Handler) notify(ctx context.Context, n domain.Notification) {
	n.ID = uuid.NewString()
	if err := h.notifier.Notify(ctx, n); err != nil {
		h.log.Debug("Notification failed", "title", n.Title, "error", err)
	}
}

func (h *Handler) notifyExhausted(ctx context.Context) {
	if h.cfg.Mode == domain.ModeStop {
		h.notify(ctx, domain.Notification{
			Title:    "No Fallback Available",
			Message:  "All fallback models exhausted",
			Variant:  domain.VariantError,
			Duration: 10 * time.Second,
		})
		return
	}
	h.notify(ctx, domain.Notification{
		Title:    "All Models Rate Limited",
		Message:  "All models are rate limited",
		Variant:  domain.VariantError,
		Duration: 10 * time.Second,
	})
}

func attemptKey(sessionID, messageID string) string {
	return sessionID + "/" + messageID
}

func lastUserMessage(messages []domain.Message) *domain.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			return &messages[i]
		}
	}
	return nil
}
