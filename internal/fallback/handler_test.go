package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/failover/internal/core/domain"
	"github.com/vietddude/failover/internal/session"
)

type resendCall struct {
	sessionID string
	parts     []domain.Part
	model     domain.FallbackModel
}

type fakeGateway struct {
	mu          sync.Mutex
	aborted     []string
	messages    map[string][]domain.Message
	messagesErr error
	resends     []resendCall
	resendErr   error
}

func (g *fakeGateway) Abort(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aborted = append(g.aborted, sessionID)
	return nil
}

func (g *fakeGateway) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.messagesErr != nil {
		return nil, g.messagesErr
	}
	return g.messages[sessionID], nil
}

func (g *fakeGateway) Resend(ctx context.Context, sessionID string, parts []domain.Part, model domain.FallbackModel) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resendErr != nil {
		return g.resendErr
	}
	g.resends = append(g.resends, resendCall{sessionID: sessionID, parts: parts, model: model})
	return nil
}

type fakeNotifier struct {
	mu            sync.Mutex
	notifications []domain.Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, notification domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

func (n *fakeNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var titles []string
	for _, notification := range n.notifications {
		titles = append(titles, notification.Title)
	}
	return titles
}

type fakeMetrics struct {
	mu                sync.Mutex
	rateLimits        []string
	fallbackStarts    int
	fallbackSuccesses int
	fallbackFailures  int
	modelRequests     []string
	modelSuccesses    []string
	modelFailures     []string
}

func (m *fakeMetrics) RecordRateLimit(providerID, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits = append(m.rateLimits, domain.ModelKey(providerID, modelID))
}

func (m *fakeMetrics) RecordFallbackStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackStarts++
}

func (m *fakeMetrics) RecordFallbackSuccess(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackSuccesses++
}

func (m *fakeMetrics) RecordFallbackFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackFailures++
}

func (m *fakeMetrics) RecordModelRequest(modelKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelRequests = append(m.modelRequests, modelKey)
}

func (m *fakeMetrics) RecordModelSuccess(modelKey string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelSuccesses = append(m.modelSuccesses, modelKey)
}

func (m *fakeMetrics) RecordModelFailure(modelKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelFailures = append(m.modelFailures, modelKey)
}

type fixture struct {
	handler  *Handler
	gateway  *fakeGateway
	notifier *fakeNotifier
	registry *session.Registry
	metrics  *fakeMetrics
	now      time.Time
}

func newFixture(t *testing.T, cfg Config, models []domain.FallbackModel) *fixture {
	t.Helper()
	f := &fixture{
		gateway:  &fakeGateway{messages: make(map[string][]domain.Message)},
		notifier: &fakeNotifier{},
		registry: session.NewRegistry(),
		metrics:  &fakeMetrics{},
		now:      time.Now(),
	}
	selector := NewSelector(models, time.Minute)
	f.handler = NewHandler(cfg, selector, f.gateway, f.notifier, f.registry, f.metrics, nil)
	f.handler.nowFunc = func() time.Time { return f.now }
	return f
}

func userHistory(sessionID, messageID, text string) map[string][]domain.Message {
	return map[string][]domain.Message{
		sessionID: {
			{ID: "m-0", Role: domain.RoleAssistant, Parts: []domain.Part{{Type: domain.PartText, Text: "reply"}}},
			{ID: messageID, Role: domain.RoleUser, Parts: []domain.Part{{Type: domain.PartText, Text: text}}},
		},
	}
}

func TestFallbackEndToEnd(t *testing.T) {
	f := newFixture(t, Config{}, testModels)
	f.gateway.messages = userHistory("s-1", "m-1", "hello")
	ctx := context.Background()

	f.handler.HandleRateLimitFallback(ctx, "s-1", "anthropic", "claude")

	if len(f.gateway.aborted) != 1 || f.gateway.aborted[0] != "s-1" {
		t.Errorf("aborted = %v, want [s-1]", f.gateway.aborted)
	}

	wantTitles := []string{"Rate Limit Detected", "Retrying", "Fallback Successful"}
	titles := f.notifier.titles()
	if len(titles) != len(wantTitles) {
		t.Fatalf("notifications = %v, want %v", titles, wantTitles)
	}
	for i, want := range wantTitles {
		if titles[i] != want {
			t.Errorf("notification[%d] = %q, want %q", i, titles[i], want)
		}
	}

	if len(f.gateway.resends) != 1 {
		t.Fatalf("resends = %d, want 1", len(f.gateway.resends))
	}
	resend := f.gateway.resends[0]
	if resend.model.Key() != "openai/gpt" {
		t.Errorf("resend model = %s, want openai/gpt", resend.model.Key())
	}
	if len(resend.parts) != 1 || resend.parts[0].Text != "hello" {
		t.Errorf("resend parts = %v, want the user text part", resend.parts)
	}

	if len(f.metrics.rateLimits) != 1 || f.metrics.rateLimits[0] != "anthropic/claude" {
		t.Errorf("rate limits = %v, want [anthropic/claude]", f.metrics.rateLimits)
	}
	if f.metrics.fallbackStarts != 1 {
		t.Errorf("fallback starts = %d, want 1", f.metrics.fallbackStarts)
	}
	if len(f.metrics.modelRequests) != 1 || f.metrics.modelRequests[0] != "openai/gpt" {
		t.Errorf("model requests = %v, want [openai/gpt]", f.metrics.modelRequests)
	}

	// Completion without error settles the attempt.
	f.now = f.now.Add(2 * time.Second)
	f.handler.HandleMessageUpdated(ctx, "s-1", "m-1", false, false)

	if f.metrics.fallbackSuccesses != 1 {
		t.Errorf("fallback successes = %d, want 1", f.metrics.fallbackSuccesses)
	}
	if len(f.metrics.modelSuccesses) != 1 || f.metrics.modelSuccesses[0] != "openai/gpt" {
		t.Errorf("model successes = %v, want [openai/gpt]", f.metrics.modelSuccesses)
	}
}

func TestDuplicateTriggersSuppressed(t *testing.T) {
	f := newFixture(t, Config{DedupWindow: 5 * time.Second}, testModels)
	f.gateway.messages = userHistory("s-1", "m-1", "hello")
	ctx := context.Background()

	f.handler.HandleRateLimitFallback(ctx, "s-1", "anthropic", "claude")
	f.handler.HandleRateLimitFallback(ctx, "s-1", "anthropic", "claude")

	if len(f.gateway.resends) != 1 {
		t.Fatalf("resends after duplicate trigger = %d, want 1", len(f.gateway.resends))
	}

	// Past the window the same message may fall back again, onto a model not
	// yet attempted.
	f.now = f.now.Add(6 * time.Second)
	f.handler.HandleRateLimitFallback(ctx, "s-1", "anthropic", "claude")

	if len(f.gateway.resends) != 2 {
		t.Fatalf("resends after window = %d, want 2", len(f.gateway.resends))
	}
	if got := f.gateway.resends[1].model.Key(); got != "google/gemini" {
		t.Errorf("second fallback model = %s, want google/gemini", got)
	}
}

func TestStopModeExhaustion(t *testing.T) {
	models := []domain.FallbackModel{{ProviderID: "anthropic", ModelID: "claude"}}
	f := newFixture(t, Config{Mode: domain.ModeStop}, models)
	f.gateway.messages = userHistory("s-1", "m-1", "hello")
	ctx := context.Background()

	f.handler.HandleRateLimitFallback(ctx, "s-1", "anthropic", "claude")

	if len(f.gateway.resends) != 0 {
		t.Errorf("resends = %d, want 0", len(f.gateway.resends))
	}
	titles := f.notifier.titles()
	if len(titles) != 2 || titles[1] != "No Fallback Available" {
		t.Fatalf("notifications = %v, want exhaustion notice", titles)
	}
	last := f.notifier.notifications[1]
	if last.Message != "All fallback models exhausted" {
		t.Errorf("exhaustion message = %q", last.Message)
	}

	// Exhaustion clears the per-message state so a later episode starts over.
	f.handler.mu.Lock()
	states := len(f.handler.retryStates)
	dedups := len(f.handler.dedup)
	f.handler.mu.Unlock()
	if states != 0 || dedups != 0 {
		t.Errorf("retryStates = %d, dedup = %d after exhaustion, want 0/0", states, dedups)
	}
}

func TestCycleModeExhaustionNotice(t *testing.T) {
	models := []domain.FallbackModel{{ProviderID: "anthropic", ModelID: "claude"}}
	f := newFixture(t, Config{Mode: domain.ModeCycle}, models)
	f.gateway.messages = userHistory("s-1", "m-1", "hello")

	f.handler.HandleRateLimitFallback(context.Background(), "s-1", "anthropic", "claude")

	titles := f.notifier.titles()
	if len(titles) != 2 || titles[1] != "All Models Rate Limited" {
		t.Fatalf("notifications = %v, want cycle-mode exhaustion notice", titles)
	}
	if msg := f.notifier.notifications[1].Message; msg != "All models are rate limited" {
		t.Errorf("exhaustion message = %q", msg)
	}
}

func TestNoUserMessageStopsQuietly(t *testing.T) {
	f := newFixture(t, Config{}, testModels)
	f.gateway.messages = map[string][]domain.Message{
		"s-1": {{ID: "m-0", Role: domain.RoleAssistant}},
	}

	f.handler.HandleRateLimitFallback(context.Background(), "s-1", "anthropic", "claude")

	if len(f.gateway.resends) != 0 {
		t.Errorf("resends = %d, want 0", len(f.gateway.resends))
	}
	titles := f.notifier.titles()
	if len(titles) != 1 || titles[0] != "Rate Limit Detected" {
		t.Errorf("notifications = %v, want only the detection notice", titles)
	}
}

func TestMessageHistoryFailureStopsQuietly(t *testing.T) {
	f := newFixture(t, Config{}, testModels)
	f.gateway.messagesErr = errors.New("host unavailable")

	f.handler.HandleRateLimitFallback(context.Background(), "s-1", "anthropic", "claude")

	if len(f.gateway.resends) != 0 {
		t.Errorf("resends = %d, want 0", len(f.gateway.resends))
	}
}

func TestNothingResendableClearsDedup(t *testing.T) {
	f := newFixture(t, Config{}, testModels)
	f.gateway.messages = map[string][]domain.Message{
		"s-1": {
			{ID: "m-1", Role: domain.RoleUser, Parts: []domain.Part{{Type: domain.PartTool}}},
		},
	}

	f.handler.HandleRateLimitFallback(context.Background(), "s-1", "anthropic", "claude")

	if len(f.gateway.resends) != 0 {
		t.Errorf("resends = %d, want 0", len(f.gateway.resends))
	}
	f.handler.mu.Lock()
	dedups := len(f.handler.dedup)
	f.handler.mu.Unlock()
	if dedups != 0 {
		t.Errorf("dedup entries = %d, want 0 so a retryable trigger is not blocked", dedups)
	}
}

func TestModelRecoveredFromTracking(t *testing.T) {
	f := newFixture(t, Config{}, testModels)
	f.gateway.messages = userHistory("s-1", "m-1", "hello")

	f.handler.TrackSessionModel("s-1", "anthropic", "claude")
	f.handler.HandleRateLimitFallback(context.Background(), "s-1", "", "")

	if len(f.metrics.rateLimits) != 1 || f.metrics.rateLimits[0] != "anthropic/claude" {
		t.Errorf("rate limits = %v, want the tracked model", f.metrics.rateLimits)
	}
	if len(f.gateway.resends) != 1 || f.gateway.resends[0].model.Key() != "openai/gpt" {
		t.Errorf("resends = %v, want fallback past the tracked model", f.gateway.resends)
	}
}

func TestSubagentFallbackTargetsRootAndPropagates(t *testing.T) {
	f := newFixture(t, Config{}, testModels)
	f.registry.RegisterRoot("root-1")
	f.registry.RegisterSubagent("root-1", "sub-1")
	f.gateway.messages = userHistory("root-1", "m-1", "hello")
	ctx := context.Background()

	f.handler.HandleRateLimitFallback(ctx, "sub-1", "anthropic", "claude")

	if len(f.gateway.aborted) != 1 || f.gateway.aborted[0] != "root-1" {
		t.Errorf("aborted = %v, want the root session", f.gateway.aborted)
	}
	if len(f.gateway.resends) != 1 || f.gateway.resends[0].sessionID != "root-1" {
		t.Fatalf("resends = %v, want one against the root", f.gateway.resends)
	}

	hierarchy, ok := f.registry.HierarchyOf("sub-1")
	if !ok {
		t.Fatal("hierarchy lost")
	}
	if hierarchy.SharedFallbackState != domain.FallbackCompleted {
		t.Errorf("shared state = %s, want %s", hierarchy.SharedFallbackState, domain.FallbackCompleted)
	}
	if sub := hierarchy.Subagents["sub-1"]; sub.FallbackState != domain.FallbackCompleted {
		t.Errorf("subagent state = %s, want %s", sub.FallbackState, domain.FallbackCompleted)
	}

	// The subagent inherits the new model.
	f.handler.mu.Lock()
	tracked, ok := f.handler.tracked["sub-1"]
	f.handler.mu.Unlock()
	if !ok || tracked.model.Key() != "openai/gpt" {
		t.Errorf("subagent tracked model = %+v, want openai/gpt", tracked)
	}
}

func TestHandleMessageUpdatedFailure(t *testing.T) {
	f := newFixture(t, Config{}, testModels)
	f.gateway.messages = userHistory("s-1", "m-1", "hello")
	ctx := context.Background()

	f.handler.HandleRateLimitFallback(ctx, "s-1", "anthropic", "claude")

	// A rate-limit error is left to the next fallback trigger.
	f.handler.HandleMessageUpdated(ctx, "s-1", "m-1", true, true)
	if f.metrics.fallbackFailures != 0 || len(f.metrics.modelFailures) != 0 {
		t.Fatalf("rate-limit completion recorded a failure: %+v", f.metrics)
	}

	// Any other error settles the attempt as failed.
	f.handler.HandleMessageUpdated(ctx, "s-1", "m-1", true, false)
	if f.metrics.fallbackFailures != 1 {
		t.Errorf("fallback failures = %d, want 1", f.metrics.fallbackFailures)
	}
	if len(f.metrics.modelFailures) != 1 || f.metrics.modelFailures[0] != "openai/gpt" {
		t.Errorf("model failures = %v, want [openai/gpt]", f.metrics.modelFailures)
	}

	// The attempt is consumed; a second failure event is a no-op.
	f.handler.HandleMessageUpdated(ctx, "s-1", "m-1", true, false)
	if f.metrics.fallbackFailures != 1 {
		t.Errorf("fallback failures after replay = %d, want 1", f.metrics.fallbackFailures)
	}
}

func TestHandleMessageUpdatedUnknownMessage(t *testing.T) {
	f := newFixture(t, Config{}, testModels)

	// No active attempt: success events for untracked messages are ignored.
	f.handler.HandleMessageUpdated(context.Background(), "s-1", "m-9", false, false)
	if f.metrics.fallbackSuccesses != 0 {
		t.Errorf("fallback successes = %d, want 0", f.metrics.fallbackSuccesses)
	}
}

func TestCleanupStaleEntries(t *testing.T) {
	f := newFixture(t, Config{SessionTTL: time.Hour}, testModels)
	f.gateway.messages = userHistory("s-1", "m-1", "hello")
	ctx := context.Background()

	f.handler.TrackSessionModel("s-2", "openai", "gpt")
	f.handler.HandleRateLimitFallback(ctx, "s-1", "anthropic", "claude")

	f.now = f.now.Add(2 * time.Hour)
	f.handler.CleanupStaleEntries()

	f.handler.mu.Lock()
	tracked := len(f.handler.tracked)
	states := len(f.handler.retryStates)
	attempts := len(f.handler.active)
	f.handler.mu.Unlock()

	if tracked != 0 || states != 0 || attempts != 0 {
		t.Errorf("after sweep: tracked=%d retryStates=%d active=%d, want all empty",
			tracked, states, attempts)
	}
}

func TestConcurrentEpisodesSameMessage(t *testing.T) {
	f := newFixture(t, Config{DedupWindow: time.Nanosecond}, testModels)
	f.gateway.messages = userHistory("s-1", "m-1", "hello")
	// Real clock: every trigger lands outside the dedup window, so episodes
	// overlap on the same retry state while hierarchy registrations churn.
	f.handler.nowFunc = time.Now
	f.registry.RegisterRoot("s-1")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			sub := fmt.Sprintf("sub-%d", worker)
			for i := 0; i < 25; i++ {
				f.handler.HandleRateLimitFallback(context.Background(), "s-1", "anthropic", "claude")
				f.registry.RegisterSubagent("s-1", sub)
				f.registry.Remove(sub)
			}
		}(g)
	}
	wg.Wait()

	if len(f.gateway.resends) == 0 {
		t.Error("no episode completed a resend")
	}
	// The state machine must remain usable afterwards.
	f.handler.HandleMessageUpdated(context.Background(), "s-1", "m-1", false, false)
}

func TestResendFailureDoesNotPanic(t *testing.T) {
	f := newFixture(t, Config{}, testModels)
	f.gateway.messages = userHistory("s-1", "m-1", "hello")
	f.gateway.resendErr = errors.New("host rejected resend")

	// Must not propagate or panic; the outcome arrives via completion events.
	f.handler.HandleRateLimitFallback(context.Background(), "s-1", "anthropic", "claude")

	titles := f.notifier.titles()
	for _, title := range titles {
		if title == "Fallback Successful" {
			t.Error("success notice sent despite resend failure")
		}
	}
}
