package domain

import "time"

// FallbackState tracks the shared fallback progress of a session hierarchy.
type FallbackState string

const (
	FallbackNone       FallbackState = "none"
	FallbackInProgress FallbackState = "in_progress"
	FallbackCompleted  FallbackState = "completed"
)

// SubagentSession is a nested session spawned under a root session.
// It mirrors the hierarchy's fallback state so subagents can observe the
// outcome without re-resolving the root.
type SubagentSession struct {
	SessionID     string        `json:"sessionID"`
	FallbackState FallbackState `json:"fallbackState"`
	Depth         int           `json:"depth"`
}

// SessionHierarchy is a root conversation session plus its subagents.
// The hierarchy resolver owns creation and teardown; the fallback handler
// only mutates state fields on existing entries.
type SessionHierarchy struct {
	RootSessionID       string                      `json:"rootSessionID"`
	Subagents           map[string]*SubagentSession `json:"subagents"`
	SharedFallbackState FallbackState               `json:"sharedFallbackState"`
	CreatedAt           time.Time                   `json:"createdAt"`
	UpdatedAt           time.Time                   `json:"updatedAt"`
}
