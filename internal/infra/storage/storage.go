// Package storage defines persistence for learned error patterns and the
// pattern-set operations shared by its backends.
package storage

import (
	"context"
	"sort"
	"strings"

	"github.com/vietddude/failover/internal/core/domain"
)

// MergeSimilarityThreshold is the Jaccard similarity at or above which two
// same-provider patterns are considered duplicates.
const MergeSimilarityThreshold = 0.8

// DefaultMaxPatterns bounds the persisted learned-pattern list.
const DefaultMaxPatterns = 20

// PatternStore persists learned patterns.
//
// Load degrades to an empty list on read failures and MergeDuplicates
// returns 0 on them; Save and Delete propagate write failures so the caller
// can decide whether to retry.
type PatternStore interface {
	SavePattern(ctx context.Context, p domain.LearnedPattern) error
	LoadPatterns(ctx context.Context) []domain.LearnedPattern
	DeletePattern(ctx context.Context, name string) (bool, error)
	MergeDuplicatePatterns(ctx context.Context) int
	CleanupOldPatterns(ctx context.Context, maxCount int) int
}

// MergeDuplicates collapses near-identical same-provider patterns. Pairs at
// or above the threshold are merged: union of distinct pattern strings,
// summed sample counts, max confidence; the higher-index entry is removed.
// Returns the surviving list and the number of merged pairs.
func MergeDuplicates(patterns []domain.LearnedPattern, threshold float64) ([]domain.LearnedPattern, int) {
	merged := 0
	out := make([]domain.LearnedPattern, len(patterns))
	copy(out, patterns)

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); {
			if out[i].Provider != out[j].Provider {
				j++
				continue
			}
			if patternSimilarity(out[i].Patterns, out[j].Patterns) < threshold {
				j++
				continue
			}

			out[i].Patterns = unionPatterns(out[i].Patterns, out[j].Patterns)
			out[i].SampleCount += out[j].SampleCount
			if out[j].Confidence > out[i].Confidence {
				out[i].Confidence = out[j].Confidence
			}
			out = append(out[:j], out[j+1:]...)
			merged++
		}
	}
	return out, merged
}

// TrimToCapacity keeps at most maxCount patterns, preferring the highest
// confidence, then the highest sample count, then the most recent. Returns
// the kept list and the number removed.
func TrimToCapacity(patterns []domain.LearnedPattern, maxCount int) ([]domain.LearnedPattern, int) {
	if maxCount <= 0 || len(patterns) <= maxCount {
		return patterns, 0
	}

	out := make([]domain.LearnedPattern, len(patterns))
	copy(out, patterns)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].SampleCount != out[j].SampleCount {
			return out[i].SampleCount > out[j].SampleCount
		}
		return out[i].LearnedAt.After(out[j].LearnedAt)
	})

	removed := len(out) - maxCount
	return out[:maxCount], removed
}

// patternSimilarity is the Jaccard coefficient over the word tokens of the
// lower-cased, space-joined pattern text.
func patternSimilarity(a, b []string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(patterns []string) map[string]struct{} {
	joined := strings.ToLower(strings.Join(patterns, " "))
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(joined) {
		set[tok] = struct{}{}
	}
	return set
}

func unionPatterns(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, p := range append(append([]string{}, a...), b...) {
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}
