package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vietddude/failover/internal/core/domain"
)

func testPattern(name, provider string, confidence float64) domain.LearnedPattern {
	return domain.LearnedPattern{
		Name:        name,
		Provider:    provider,
		Patterns:    []string{"rate limit", name},
		Confidence:  confidence,
		LearnedAt:   time.Now(),
		SampleCount: 3,
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	store := NewStore(path, 0, nil)
	ctx := context.Background()

	if got := store.LoadPatterns(ctx); got != nil {
		t.Fatalf("LoadPatterns on missing file = %v, want nil", got)
	}

	p := testPattern("learned-anthropic-rate-limit", "anthropic", 0.9)
	if err := store.SavePattern(ctx, p); err != nil {
		t.Fatalf("SavePattern: %v", err)
	}

	patterns := store.LoadPatterns(ctx)
	if len(patterns) != 1 {
		t.Fatalf("LoadPatterns = %d entries, want 1", len(patterns))
	}
	if patterns[0].Name != p.Name || patterns[0].Confidence != 0.9 {
		t.Errorf("loaded %+v, want %+v", patterns[0], p)
	}
}

func TestSaveReplacesByName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	store := NewStore(path, 0, nil)
	ctx := context.Background()

	if err := store.SavePattern(ctx, testPattern("a", "openai", 0.7)); err != nil {
		t.Fatal(err)
	}
	updated := testPattern("a", "openai", 0.95)
	updated.SampleCount = 10
	if err := store.SavePattern(ctx, updated); err != nil {
		t.Fatal(err)
	}

	patterns := store.LoadPatterns(ctx)
	if len(patterns) != 1 {
		t.Fatalf("LoadPatterns = %d entries, want 1", len(patterns))
	}
	if patterns[0].Confidence != 0.95 || patterns[0].SampleCount != 10 {
		t.Errorf("replace did not update entry: %+v", patterns[0])
	}
}

func TestUnrelatedDocumentSectionsSurviveWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	seed := `{"theme":"dark","errorPatterns":{"enabled":true}}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path, 0, nil)
	if err := store.SavePattern(context.Background(), testPattern("a", "google", 0.8)); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("document no longer parses: %v", err)
	}
	if string(doc["theme"]) != `"dark"` {
		t.Errorf("sibling key rewritten: %s", doc["theme"])
	}
	var section map[string]json.RawMessage
	if err := json.Unmarshal(doc["errorPatterns"], &section); err != nil {
		t.Fatal(err)
	}
	if string(section["enabled"]) != "true" {
		t.Errorf("sibling section key rewritten: %s", section["enabled"])
	}
	if _, ok := section["learnedPatterns"]; !ok {
		t.Error("learnedPatterns list missing after save")
	}
}

func TestLoadFiltersInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	doc := `{"errorPatterns":{"learnedPatterns":[
		{"name":"good","patterns":["rate limit"],"confidence":0.9,"learnedAt":"2026-08-01T00:00:00Z","sampleCount":3},
		{"name":"","patterns":["x"],"confidence":0.5,"learnedAt":"2026-08-01T00:00:00Z","sampleCount":1},
		{"name":"bad-confidence","patterns":["x"],"confidence":1.5,"learnedAt":"2026-08-01T00:00:00Z","sampleCount":1},
		{"name":"no-samples","patterns":["x"],"confidence":0.5,"learnedAt":"2026-08-01T00:00:00Z","sampleCount":0}
	]}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path, 0, nil)
	patterns := store.LoadPatterns(context.Background())
	if len(patterns) != 1 || patterns[0].Name != "good" {
		t.Errorf("LoadPatterns = %v, want only the valid entry", patterns)
	}
}

func TestLoadCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path, 0, nil)
	if got := store.LoadPatterns(context.Background()); got != nil {
		t.Errorf("LoadPatterns on corrupt file = %v, want nil", got)
	}
}

func TestDeletePattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	store := NewStore(path, 0, nil)
	ctx := context.Background()

	if err := store.SavePattern(ctx, testPattern("a", "openai", 0.7)); err != nil {
		t.Fatal(err)
	}

	existed, err := store.DeletePattern(ctx, "a")
	if err != nil || !existed {
		t.Fatalf("DeletePattern = (%v, %v), want (true, nil)", existed, err)
	}
	if got := store.LoadPatterns(ctx); len(got) != 0 {
		t.Errorf("patterns after delete = %v, want none", got)
	}

	existed, err = store.DeletePattern(ctx, "missing")
	if err != nil || existed {
		t.Errorf("delete of missing = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestCleanupOldPatternsKeepsStrongest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	store := NewStore(path, 100, nil)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		p := testPattern(fmt.Sprintf("p-%02d", i), "openai", float64(i)/25)
		if err := store.SavePattern(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	removed := store.CleanupOldPatterns(ctx, 20)
	if removed != 5 {
		t.Fatalf("CleanupOldPatterns removed %d, want 5", removed)
	}

	patterns := store.LoadPatterns(ctx)
	if len(patterns) != 20 {
		t.Fatalf("patterns after cleanup = %d, want 20", len(patterns))
	}
	for _, p := range patterns {
		// The five weakest (confidence < 5/25) must be gone.
		if p.Confidence < float64(5)/25 {
			t.Errorf("weak pattern survived cleanup: %+v", p)
		}
	}
}

func TestMergeDuplicatePatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	store := NewStore(path, 0, nil)
	ctx := context.Background()

	near1 := domain.LearnedPattern{
		Name: "a", Provider: "openai", Patterns: []string{"rate limit exceeded"},
		Confidence: 0.8, LearnedAt: time.Now(), SampleCount: 3,
	}
	near2 := domain.LearnedPattern{
		Name: "b", Provider: "openai", Patterns: []string{"rate limit exceeded"},
		Confidence: 0.9, LearnedAt: time.Now(), SampleCount: 2,
	}
	otherProvider := domain.LearnedPattern{
		Name: "c", Provider: "anthropic", Patterns: []string{"rate limit exceeded"},
		Confidence: 0.7, LearnedAt: time.Now(), SampleCount: 1,
	}
	for _, p := range []domain.LearnedPattern{near1, near2, otherProvider} {
		if err := store.SavePattern(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	if count := store.MergeDuplicatePatterns(ctx); count != 1 {
		t.Fatalf("MergeDuplicatePatterns = %d, want 1", count)
	}

	patterns := store.LoadPatterns(ctx)
	if len(patterns) != 2 {
		t.Fatalf("patterns after merge = %d, want 2", len(patterns))
	}
	for _, p := range patterns {
		if p.Name == "a" {
			if p.SampleCount != 5 {
				t.Errorf("merged SampleCount = %d, want 5", p.SampleCount)
			}
			if p.Confidence != 0.9 {
				t.Errorf("merged Confidence = %v, want 0.9", p.Confidence)
			}
		}
		if p.Name == "b" {
			t.Error("higher-index duplicate survived merge")
		}
	}
}
