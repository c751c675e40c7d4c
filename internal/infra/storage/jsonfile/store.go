// Package jsonfile persists learned patterns inside a shared JSON document
// under the errorPatterns.learnedPatterns key. The rest of the document is
// preserved byte-for-byte across writes.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vietddude/failover/internal/core/domain"
	"github.com/vietddude/failover/internal/infra/storage"
)

// Store reads and writes the shared pattern document whole; there is no
// partial patching.
type Store struct {
	path        string
	maxPatterns int
	log         *slog.Logger

	mu sync.Mutex
}

// NewStore creates a store for the document at path. maxPatterns <= 0 uses
// the default capacity.
func NewStore(path string, maxPatterns int, log *slog.Logger) *Store {
	if maxPatterns <= 0 {
		maxPatterns = storage.DefaultMaxPatterns
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, maxPatterns: maxPatterns, log: log}
}

// SavePattern upserts a pattern by name. The list is trimmed to capacity
// before the final write when the save pushes it over the bound.
func (s *Store) SavePattern(_ context.Context, p domain.LearnedPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, patterns, err := s.read()
	if err != nil {
		// A corrupt or missing document is rebuilt around the new entry.
		s.log.Warn("Pattern document unreadable, rebuilding", "path", s.path, "error", err)
		doc = map[string]json.RawMessage{}
		patterns = nil
	}

	replaced := false
	for i := range patterns {
		if patterns[i].Name == p.Name {
			patterns[i] = p
			replaced = true
			break
		}
	}
	if replaced {
		s.log.Debug("Replaced learned pattern", "name", p.Name, "provider", p.Provider)
	} else {
		patterns = append(patterns, p)
		s.log.Info("Saved learned pattern",
			"name", p.Name, "provider", p.Provider, "confidence", p.Confidence)
	}

	if len(patterns) > s.maxPatterns {
		var removed int
		patterns, removed = storage.TrimToCapacity(patterns, s.maxPatterns)
		s.log.Info("Trimmed learned patterns to capacity",
			"max", s.maxPatterns, "removed", removed)
	}

	return s.write(doc, patterns)
}

// LoadPatterns returns the persisted patterns. Read or parse failures and
// schema-invalid entries degrade to an empty or filtered list.
func (s *Store) LoadPatterns(_ context.Context) []domain.LearnedPattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, patterns, err := s.read()
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("Failed to load pattern document", "path", s.path, "error", err)
		}
		return nil
	}
	return patterns
}

// DeletePattern removes the entry with the given name. It reports whether
// an entry existed; nothing is written when it did not.
func (s *Store) DeletePattern(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, patterns, err := s.read()
	if err != nil {
		return false, nil
	}

	kept := patterns[:0]
	found := false
	for _, p := range patterns {
		if p.Name == name {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return false, nil
	}

	if err := s.write(doc, kept); err != nil {
		return true, err
	}
	s.log.Info("Deleted learned pattern", "name", name)
	return true, nil
}

// MergeDuplicatePatterns collapses near-identical same-provider entries and
// persists only if something merged. Returns the merged-pair count, 0 on
// read failure.
func (s *Store) MergeDuplicatePatterns(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, patterns, err := s.read()
	if err != nil {
		return 0
	}

	merged, count := storage.MergeDuplicates(patterns, storage.MergeSimilarityThreshold)
	if count == 0 {
		return 0
	}
	if err := s.write(doc, merged); err != nil {
		s.log.Warn("Failed to persist merged patterns", "error", err)
	}
	return count
}

// CleanupOldPatterns trims the list to maxCount, keeping the entries with
// the highest confidence (ties broken by sample count, then recency).
// Returns the number removed.
func (s *Store) CleanupOldPatterns(_ context.Context, maxCount int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, patterns, err := s.read()
	if err != nil {
		return 0
	}

	kept, removed := storage.TrimToCapacity(patterns, maxCount)
	if removed == 0 {
		return 0
	}
	if err := s.write(doc, kept); err != nil {
		s.log.Warn("Failed to persist trimmed patterns", "error", err)
		return 0
	}
	return removed
}

// read parses the whole document. The top-level object is kept as raw
// messages so unrelated sections round-trip untouched.
func (s *Store) read() (map[string]json.RawMessage, []domain.LearnedPattern, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, err
	}

	doc := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, nil, fmt.Errorf("parse pattern document: %w", err)
		}
	}

	raw, ok := doc["errorPatterns"]
	if !ok {
		return doc, nil, nil
	}
	section := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &section); err != nil {
		return nil, nil, fmt.Errorf("parse errorPatterns section: %w", err)
	}

	var entries []json.RawMessage
	if list, ok := section["learnedPatterns"]; ok {
		if err := json.Unmarshal(list, &entries); err != nil {
			return nil, nil, fmt.Errorf("parse learnedPatterns list: %w", err)
		}
	}

	var patterns []domain.LearnedPattern
	dropped := 0
	for _, entry := range entries {
		var p domain.LearnedPattern
		if err := json.Unmarshal(entry, &p); err != nil || !p.Valid() {
			dropped++
			continue
		}
		patterns = append(patterns, p)
	}
	if dropped > 0 {
		s.log.Warn("Dropped invalid learned patterns", "count", dropped, "path", s.path)
	}
	return doc, patterns, nil
}

// write re-assembles the document with the new list and replaces the file
// atomically.
func (s *Store) write(doc map[string]json.RawMessage, patterns []domain.LearnedPattern) error {
	section := map[string]json.RawMessage{}
	if raw, ok := doc["errorPatterns"]; ok {
		// Best effort: a corrupt section is replaced outright.
		_ = json.Unmarshal(raw, &section)
	}

	if patterns == nil {
		patterns = []domain.LearnedPattern{}
	}
	list, err := json.Marshal(patterns)
	if err != nil {
		return fmt.Errorf("marshal learned patterns: %w", err)
	}
	section["learnedPatterns"] = list

	sectionRaw, err := json.Marshal(section)
	if err != nil {
		return fmt.Errorf("marshal errorPatterns section: %w", err)
	}
	doc["errorPatterns"] = sectionRaw

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pattern document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create pattern directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pattern document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace pattern document: %w", err)
	}
	return nil
}
