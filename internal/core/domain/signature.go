package domain

import (
	"sort"
	"strings"
	"time"
)

// ErrorSignature is the set of textual/numeric markers extracted from one
// error instance. It is ephemeral: signatures live in the learner's tracking
// buffer until they are merged and promoted (or discarded).
type ErrorSignature struct {
	Provider    string    `json:"provider,omitempty"`
	Patterns    []string  `json:"patterns"`
	SourceError string    `json:"sourceError"`
	ExtractedAt time.Time `json:"extractedAt"`
}

// Key returns the canonical tracking key: provider plus the sorted, unique
// pattern set. Two observations of the same error shape share a key.
func (s *ErrorSignature) Key() string {
	patterns := make([]string, 0, len(s.Patterns))
	seen := make(map[string]struct{}, len(s.Patterns))
	for _, p := range s.Patterns {
		p = strings.ToLower(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return s.Provider + ":" + strings.Join(patterns, ",")
}

// ErrorPattern is a statically configured rate-limit detection rule.
// Priority is reserved configuration shape: it is parsed and carried but no
// runtime engine orders matches by it yet.
type ErrorPattern struct {
	Name     string   `yaml:"name"     json:"name"`
	Provider string   `yaml:"provider" json:"provider,omitempty"`
	Patterns []string `yaml:"patterns" json:"patterns"`
	Priority int      `yaml:"priority" json:"priority"`
}

// LearnedPattern is a persisted, confidence-scored detection rule promoted
// from repeated observation.
//
// Invariants: SampleCount >= 1, Patterns non-empty, Confidence in [0,1].
type LearnedPattern struct {
	Name        string    `json:"name"               db:"name"`
	Provider    string    `json:"provider,omitempty" db:"provider"`
	Patterns    []string  `json:"patterns"           db:"-"`
	Priority    int       `json:"priority"           db:"priority"`
	Confidence  float64   `json:"confidence"         db:"confidence"`
	LearnedAt   time.Time `json:"learnedAt"          db:"learned_at"`
	SampleCount int       `json:"sampleCount"        db:"sample_count"`
}

// Key returns the canonical removal key: provider plus the joined pattern
// list. Manual removal matches on this key, not on the display name.
func (p *LearnedPattern) Key() string {
	patterns := make([]string, len(p.Patterns))
	for i, s := range p.Patterns {
		patterns[i] = strings.ToLower(s)
	}
	sort.Strings(patterns)
	return p.Provider + ":" + strings.Join(patterns, ",")
}

// Valid reports whether the pattern satisfies the persistence schema.
func (p *LearnedPattern) Valid() bool {
	return p.Name != "" &&
		len(p.Patterns) > 0 &&
		p.Confidence >= 0 && p.Confidence <= 1 &&
		!p.LearnedAt.IsZero() &&
		p.SampleCount >= 1
}
