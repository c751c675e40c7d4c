// Package fallback contains the model selection and fallback orchestration
// state machine driven by host lifecycle events.
package fallback

import (
	"sync"
	"time"

	"github.com/vietddude/failover/internal/core/domain"
)

// Selector picks the next viable model from an ordered preference list,
// honoring per-message exclusions and the cooldown registry.
type Selector struct {
	models      []domain.FallbackModel
	cooldownDur time.Duration

	mu        sync.Mutex
	cooldowns map[string]time.Time // model key -> last rate-limit
	nowFunc   func() time.Time
}

// NewSelector creates a selector over the given preference list.
func NewSelector(models []domain.FallbackModel, cooldown time.Duration) *Selector {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Selector{
		models:      models,
		cooldownDur: cooldown,
		cooldowns:   make(map[string]time.Time),
		nowFunc:     time.Now,
	}
}

// Models returns the configured preference list.
func (s *Selector) Models() []domain.FallbackModel {
	return s.models
}

// NextModel returns the first model after the current one that is neither
// excluded nor cooling down, wrapping around to the start of the list so
// earlier entries are not starved. ok is false when every candidate is
// unavailable. excluded must be a snapshot owned by the call; the selector
// reads it without synchronization.
func (s *Selector) NextModel(current domain.FallbackModel, excluded map[string]struct{}) (domain.FallbackModel, bool) {
	index := -1
	if !current.IsZero() {
		key := current.Key()
		for i, m := range s.models {
			if m.Key() == key {
				index = i
				break
			}
		}
	}

	viable := func(m domain.FallbackModel) bool {
		if _, ok := excluded[m.Key()]; ok {
			return false
		}
		return !s.IsModelRateLimited(m.ProviderID, m.ModelID)
	}

	for i := index + 1; i < len(s.models); i++ {
		if viable(s.models[i]) {
			return s.models[i], true
		}
	}
	for i := 0; i <= index && i < len(s.models); i++ {
		if viable(s.models[i]) {
			return s.models[i], true
		}
	}
	return domain.FallbackModel{}, false
}

// IsModelRateLimited reports whether the model is inside its cooldown
// window. Expired entries are evicted on the lookup that discovers them.
func (s *Selector) IsModelRateLimited(providerID, modelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.ModelKey(providerID, modelID)
	limitedAt, ok := s.cooldowns[key]
	if !ok {
		return false
	}
	if s.nowFunc().Sub(limitedAt) > s.cooldownDur {
		delete(s.cooldowns, key)
		return false
	}
	return true
}

// MarkModelRateLimited records a rate limit for the model, starting its
// cooldown window.
func (s *Selector) MarkModelRateLimited(providerID, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[domain.ModelKey(providerID, modelID)] = s.nowFunc()
}

// CleanupCooldowns sweeps expired cooldown entries. Lookup already evicts
// lazily; this keeps the registry from accumulating keys for models that
// are never looked up again.
func (s *Selector) CleanupCooldowns() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for key, limitedAt := range s.cooldowns {
		if now.Sub(limitedAt) > s.cooldownDur {
			delete(s.cooldowns, key)
		}
	}
}
