// Package learning buffers repeated observations of unrecognized rate-limit
// errors, merges them into candidate signatures, and promotes
// high-confidence candidates into the pattern store.
package learning

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/failover/internal/classify"
	"github.com/vietddude/failover/internal/core/domain"
	"github.com/vietddude/failover/internal/infra/storage"
)

// Config holds learning thresholds. Zero values fall back to defaults.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	MinFrequency int           `yaml:"min_frequency"`
	AutoApprove  float64       `yaml:"auto_approve_confidence"`
	MaxPatterns  int           `yaml:"max_patterns"`
	Window       time.Duration `yaml:"window"`
}

func (c Config) withDefaults() Config {
	if c.MinFrequency <= 0 {
		c.MinFrequency = 3
	}
	if c.AutoApprove <= 0 {
		c.AutoApprove = 0.8
	}
	if c.MaxPatterns <= 0 {
		c.MaxPatterns = storage.DefaultMaxPatterns
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	return c
}

// Stats is a snapshot of the learner's state. Pending counts tracked keys
// that met the frequency threshold but have not been cleared by promotion.
type Stats struct {
	TrackedPatterns int `json:"trackedPatterns"`
	LearnedPatterns int `json:"learnedPatterns"`
	PendingPatterns int `json:"pendingPatterns"`
}

type trackedPattern struct {
	count     int
	samples   []*domain.ErrorSignature
	firstSeen time.Time
	pending   bool
}

// Learner aggregates error signatures and owns the promoted pattern set.
type Learner struct {
	cfg    Config
	store  storage.PatternStore
	static []domain.ErrorPattern
	log    *slog.Logger

	mu      sync.Mutex
	tracked map[string]*trackedPattern
	learned []domain.LearnedPattern
}

// NewLearner creates a learner backed by the given store. static is the
// configuration-supplied pattern set used for confidence scoring.
func NewLearner(cfg Config, store storage.PatternStore, static []domain.ErrorPattern, log *slog.Logger) *Learner {
	if log == nil {
		log = slog.Default()
	}
	return &Learner{
		cfg:     cfg.withDefaults(),
		store:   store,
		static:  static,
		log:     log,
		tracked: make(map[string]*trackedPattern),
	}
}

// LoadLearnedPatterns hydrates the promoted set from storage. Called once
// at startup; safe to call again to re-sync.
func (l *Learner) LoadLearnedPatterns(ctx context.Context) {
	patterns := l.store.LoadPatterns(ctx)

	l.mu.Lock()
	l.learned = patterns
	l.mu.Unlock()

	l.log.Info("Hydrated learned patterns", "count", len(patterns))
}

// LearnFromError observes one failed request. It extracts a signature,
// counts it, and once the configured frequency is reached merges the
// accumulated samples, scores the merge, and persists it when the score
// clears the auto-approve threshold. Persistence failures are logged, never
// surfaced: this runs on the event path and must not disturb it.
func (l *Learner) LearnFromError(ctx context.Context, errValue any) {
	if !l.cfg.Enabled {
		return
	}
	sig := classify.Extract(errValue)
	if sig == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := sig.Key()
	entry, ok := l.tracked[key]
	if ok && time.Since(entry.firstSeen) > l.cfg.Window {
		// Stale observation run; start counting fresh.
		entry = nil
	}
	if entry == nil {
		entry = &trackedPattern{firstSeen: sig.ExtractedAt}
		l.tracked[key] = entry
	}
	entry.count++
	entry.samples = append(entry.samples, sig)

	if entry.count < l.cfg.MinFrequency || entry.pending {
		return
	}

	merged := l.mergeLocked(entry.samples)
	if merged == nil {
		return
	}
	score := classify.Score(entry.samples, l.knownLocked())
	if score < l.cfg.AutoApprove {
		entry.pending = true
		l.log.Debug("Candidate pattern below auto-approve threshold",
			"key", key, "score", score, "threshold", l.cfg.AutoApprove)
		return
	}

	promoted := domain.LearnedPattern{
		Name:        patternName(merged),
		Provider:    merged.Provider,
		Patterns:    merged.Patterns,
		Confidence:  score,
		LearnedAt:   time.Now(),
		SampleCount: entry.count,
	}
	if err := l.store.SavePattern(ctx, promoted); err != nil {
		l.log.Warn("Failed to persist promoted pattern", "name", promoted.Name, "error", err)
		entry.pending = true
		return
	}

	l.upsertLearnedLocked(promoted)
	delete(l.tracked, key)
	l.log.Info("Promoted learned pattern",
		"name", promoted.Name, "provider", promoted.Provider,
		"confidence", score, "samples", promoted.SampleCount)
}

// MergeSignatures merges several observations of the same logical pattern:
// distinct pattern strings are unioned case-normalized, the provider is kept
// only when consistent, and one representative source error is retained.
// nil for an empty input; a single signature is returned unchanged.
func (l *Learner) MergeSignatures(sigs []*domain.ErrorSignature) *domain.ErrorSignature {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mergeLocked(sigs)
}

func (l *Learner) mergeLocked(sigs []*domain.ErrorSignature) *domain.ErrorSignature {
	filtered := sigs[:0:0]
	for _, s := range sigs {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	}

	merged := &domain.ErrorSignature{
		Provider:    filtered[0].Provider,
		SourceError: filtered[0].SourceError,
		ExtractedAt: filtered[0].ExtractedAt,
	}
	seen := make(map[string]struct{})
	for _, s := range filtered {
		for _, p := range s.Patterns {
			key := strings.ToLower(p)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged.Patterns = append(merged.Patterns, key)
		}
		if s.Provider != merged.Provider {
			// Inconsistent provider attribution; the merge is generic.
			merged.Provider = ""
		}
	}
	return merged
}

// LearnedPatterns returns a copy of the hydrated promoted set.
func (l *Learner) LearnedPatterns() []domain.LearnedPattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.LearnedPattern, len(l.learned))
	copy(out, l.learned)
	return out
}

// LearnedPatternsForProvider returns patterns for the given provider plus
// provider-less generic patterns, which apply to any provider.
func (l *Learner) LearnedPatternsForProvider(provider string) []domain.LearnedPattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.LearnedPattern
	for _, p := range l.learned {
		if p.Provider == provider || p.Provider == "" {
			out = append(out, p)
		}
	}
	return out
}

// LearnedPatternByName returns the promoted pattern with the given display
// name, or nil.
func (l *Learner) LearnedPatternByName(name string) *domain.LearnedPattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.learned {
		if l.learned[i].Name == name {
			p := l.learned[i]
			return &p
		}
	}
	return nil
}

// AddLearnedPattern manually persists a pattern, bypassing frequency and
// confidence gates.
func (l *Learner) AddLearnedPattern(ctx context.Context, p domain.LearnedPattern) error {
	if !p.Valid() {
		return fmt.Errorf("invalid learned pattern %q", p.Name)
	}
	if err := l.store.SavePattern(ctx, p); err != nil {
		return err
	}
	l.mu.Lock()
	l.upsertLearnedLocked(p)
	l.mu.Unlock()
	return nil
}

// RemoveLearnedPattern removes the pattern matching the canonical
// provider:joined-patterns key and reports whether one existed.
func (l *Learner) RemoveLearnedPattern(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	name := ""
	found := false
	for i := range l.learned {
		if l.learned[i].Key() == key {
			name = l.learned[i].Name
			found = true
			break
		}
	}
	l.mu.Unlock()
	if !found {
		return false, nil
	}

	existed, err := l.store.DeletePattern(ctx, name)
	if err != nil {
		return existed, err
	}

	l.mu.Lock()
	kept := l.learned[:0]
	for _, p := range l.learned {
		if p.Key() != key {
			kept = append(kept, p)
		}
	}
	l.learned = kept
	l.mu.Unlock()
	return existed, nil
}

// MergeDuplicatePatterns delegates to the store and re-hydrates on change.
func (l *Learner) MergeDuplicatePatterns(ctx context.Context) int {
	count := l.store.MergeDuplicatePatterns(ctx)
	if count > 0 {
		l.LoadLearnedPatterns(ctx)
	}
	return count
}

// CleanupOldPatterns delegates to the store and re-hydrates on change.
func (l *Learner) CleanupOldPatterns(ctx context.Context) int {
	count := l.store.CleanupOldPatterns(ctx, l.cfg.MaxPatterns)
	if count > 0 {
		l.LoadLearnedPatterns(ctx)
	}
	return count
}

// ClearTrackedPatterns resets the in-memory observation buffer. Promoted
// patterns are untouched.
func (l *Learner) ClearTrackedPatterns() {
	l.mu.Lock()
	l.tracked = make(map[string]*trackedPattern)
	l.mu.Unlock()
}

// Stats reports tracked, learned, and pending counts.
func (l *Learner) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := 0
	for _, entry := range l.tracked {
		if entry.count >= l.cfg.MinFrequency {
			pending++
		}
	}
	return Stats{
		TrackedPatterns: len(l.tracked),
		LearnedPatterns: len(l.learned),
		PendingPatterns: pending,
	}
}

// KnownPatterns returns the detection reference set: static patterns plus
// already promoted ones. Used by the event edge to classify incoming errors.
func (l *Learner) KnownPatterns() []domain.ErrorPattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.knownLocked()
}

// knownLocked is the scoring reference set: static patterns plus already
// promoted ones.
func (l *Learner) knownLocked() []domain.ErrorPattern {
	known := make([]domain.ErrorPattern, 0, len(l.static)+len(l.learned))
	known = append(known, l.static...)
	for _, p := range l.learned {
		known = append(known, domain.ErrorPattern{
			Name:     p.Name,
			Provider: p.Provider,
			Patterns: p.Patterns,
			Priority: p.Priority,
		})
	}
	return known
}

func (l *Learner) upsertLearnedLocked(p domain.LearnedPattern) {
	for i := range l.learned {
		if l.learned[i].Name == p.Name {
			l.learned[i] = p
			return
		}
	}
	l.learned = append(l.learned, p)
}

// patternName derives a stable display name from the merged signature. The
// canonical-key hash keeps names unique: stores upsert by name, and distinct
// signatures can share a provider and leading marker.
func patternName(sig *domain.ErrorSignature) string {
	provider := sig.Provider
	if provider == "" {
		provider = "generic"
	}
	marker := "rate-limit"
	if len(sig.Patterns) > 0 {
		marker = strings.ReplaceAll(strings.ToLower(sig.Patterns[0]), " ", "-")
	}
	sum := fnv.New32a()
	_, _ = sum.Write([]byte(sig.Key()))
	return fmt.Sprintf("learned-%s-%s-%08x", provider, marker, sum.Sum32())
}
