// Package memory provides an in-process PatternStore with the same upsert,
// trim, and merge behavior as the persistent backends. It backs the learner
// tests; service wiring always selects a persistent store.
package memory

import (
	"context"
	"sync"

	"github.com/vietddude/failover/internal/core/domain"
	"github.com/vietddude/failover/internal/infra/storage"
)

type Store struct {
	mu       sync.RWMutex
	patterns []domain.LearnedPattern
	maxCount int
}

// NewStore creates an empty in-memory store. maxCount <= 0 falls back to the
// default capacity.
func NewStore(maxCount int) *Store {
	if maxCount <= 0 {
		maxCount = storage.DefaultMaxPatterns
	}
	return &Store{maxCount: maxCount}
}

func (s *Store) SavePattern(ctx context.Context, p domain.LearnedPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i := range s.patterns {
		if s.patterns[i].Name == p.Name {
			s.patterns[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.patterns = append(s.patterns, p)
	}
	s.patterns, _ = storage.TrimToCapacity(s.patterns, s.maxCount)
	return nil
}

func (s *Store) LoadPatterns(ctx context.Context) []domain.LearnedPattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LearnedPattern, len(s.patterns))
	copy(out, s.patterns)
	return out
}

func (s *Store) DeletePattern(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.patterns {
		if s.patterns[i].Name == name {
			s.patterns = append(s.patterns[:i], s.patterns[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) MergeDuplicatePatterns(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, count := storage.MergeDuplicates(s.patterns, storage.MergeSimilarityThreshold)
	s.patterns = merged
	return count
}

func (s *Store) CleanupOldPatterns(ctx context.Context, maxCount int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept, removed := storage.TrimToCapacity(s.patterns, maxCount)
	s.patterns = kept
	return removed
}
