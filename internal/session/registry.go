// Package session tracks root sessions and their subagents so fallback
// outcomes can be shared across a hierarchy.
package session

import (
	"sync"
	"time"

	"github.com/vietddude/failover/internal/core/domain"
)

// Registry is an in-memory hierarchy resolver. The host reports session
// creation and teardown; the fallback handler reads resolutions and records
// fallback progress through the mutation methods. Every access to hierarchy
// state happens under the registry's lock.
type Registry struct {
	mu          sync.RWMutex
	hierarchies map[string]*domain.SessionHierarchy // root id -> hierarchy
	parents     map[string]string                   // subagent id -> root id
	nowFunc     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hierarchies: make(map[string]*domain.SessionHierarchy),
		parents:     make(map[string]string),
		nowFunc:     time.Now,
	}
}

// RegisterRoot creates a hierarchy for a root session if one does not
// already exist.
func (r *Registry) RegisterRoot(sessionID string) *domain.SessionHierarchy {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hierarchies[sessionID]; ok {
		return h
	}
	now := r.nowFunc()
	h := &domain.SessionHierarchy{
		RootSessionID:       sessionID,
		Subagents:           make(map[string]*domain.SubagentSession),
		SharedFallbackState: domain.FallbackNone,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	r.hierarchies[sessionID] = h
	return h
}

// RegisterSubagent attaches a subagent to a root, creating the hierarchy on
// demand. Subagents never parent other subagents: depth is always 1.
func (r *Registry) RegisterSubagent(rootID, subID string) {
	h := r.RegisterRoot(rootID)

	r.mu.Lock()
	defer r.mu.Unlock()
	h.Subagents[subID] = &domain.SubagentSession{
		SessionID:     subID,
		FallbackState: domain.FallbackNone,
		Depth:         1,
	}
	h.UpdatedAt = r.nowFunc()
	r.parents[subID] = rootID
}

// Remove tears down a session. Removing a root drops its whole hierarchy.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hierarchies[sessionID]; ok {
		for subID := range h.Subagents {
			delete(r.parents, subID)
		}
		delete(r.hierarchies, sessionID)
		return
	}
	if rootID, ok := r.parents[sessionID]; ok {
		if h, ok := r.hierarchies[rootID]; ok {
			delete(h.Subagents, sessionID)
			h.UpdatedAt = r.nowFunc()
		}
		delete(r.parents, sessionID)
	}
}

// RootSessionOf resolves a session to its hierarchy root. A root session
// resolves to itself.
func (r *Registry) RootSessionOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.hierarchies[sessionID]; ok {
		return sessionID, true
	}
	if rootID, ok := r.parents[sessionID]; ok {
		return rootID, true
	}
	return "", false
}

// HierarchyOf returns the hierarchy a session belongs to, or nil.
func (r *Registry) HierarchyOf(sessionID string) (*domain.SessionHierarchy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := r.hierarchyLocked(sessionID)
	return h, h != nil
}

// MarkFallbackState records fallback progress on the hierarchy the session
// belongs to. For a subagent the entry's own state is updated as well.
// Sessions outside any hierarchy are a no-op.
func (r *Registry) MarkFallbackState(sessionID string, state domain.FallbackState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.hierarchyLocked(sessionID)
	if h == nil {
		return
	}
	h.SharedFallbackState = state
	h.UpdatedAt = r.nowFunc()
	if sub, ok := h.Subagents[sessionID]; ok {
		sub.FallbackState = state
	}
}

// CompleteFallback marks the root's hierarchy and all its subagents
// completed and returns the subagent session ids for propagation. Returns
// nil when the id is not a registered root.
func (r *Registry) CompleteFallback(rootID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hierarchies[rootID]
	if !ok {
		return nil
	}
	h.SharedFallbackState = domain.FallbackCompleted
	h.UpdatedAt = r.nowFunc()

	ids := make([]string, 0, len(h.Subagents))
	for id, sub := range h.Subagents {
		sub.FallbackState = domain.FallbackCompleted
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) hierarchyLocked(sessionID string) *domain.SessionHierarchy {
	if h, ok := r.hierarchies[sessionID]; ok {
		return h
	}
	if rootID, ok := r.parents[sessionID]; ok {
		return r.hierarchies[rootID]
	}
	return nil
}
