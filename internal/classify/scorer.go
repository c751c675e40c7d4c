package classify

import (
	"strings"

	"github.com/vietddude/failover/internal/core/domain"
)

// Scoring weights. The base acknowledges that something was extracted at
// all; overlap with known patterns carries most of the signal; repeated
// observation adds a bounded bonus; provider disagreement is penalized.
const (
	scoreBase            = 0.2
	scoreOverlapWeight   = 0.5
	scoreProviderBonus   = 0.1
	scoreSampleBonus     = 0.05
	scoreSampleBonusMax  = 0.2
	scoreDisagreePenalty = 0.2
)

// Score rates how strongly the observed signatures match recognized
// rate-limit semantics, in [0,1]. All signatures are expected to describe
// the same logical pattern; inconsistency across them lowers the score.
func Score(sigs []*domain.ErrorSignature, known []domain.ErrorPattern) float64 {
	var patterns []string
	providers := make(map[string]struct{})
	samples := 0

	for _, sig := range sigs {
		if sig == nil {
			continue
		}
		samples++
		patterns = append(patterns, sig.Patterns...)
		if sig.Provider != "" {
			providers[sig.Provider] = struct{}{}
		}
	}
	patterns = dedupe(patterns)
	if samples == 0 || len(patterns) == 0 {
		return 0
	}

	score := scoreBase

	matched := 0
	for _, p := range patterns {
		if matchesKnown(p, known) {
			matched++
		}
	}
	score += scoreOverlapWeight * float64(matched) / float64(len(patterns))

	switch len(providers) {
	case 0:
		// Provider-less signatures are generic; neither bonus nor penalty.
	case 1:
		score += scoreProviderBonus
	default:
		score -= scoreDisagreePenalty
	}

	if samples > 1 {
		bonus := scoreSampleBonus * float64(samples-1)
		if bonus > scoreSampleBonusMax {
			bonus = scoreSampleBonusMax
		}
		score += bonus
	}

	return clamp01(score)
}

// matchesKnown reports whether a signature pattern overlaps any known static
// pattern text, case-insensitively and in either containment direction.
func matchesKnown(pattern string, known []domain.ErrorPattern) bool {
	lower := strings.ToLower(pattern)
	for _, kp := range known {
		for _, text := range kp.Patterns {
			t := strings.ToLower(text)
			if t == "" {
				continue
			}
			if strings.Contains(lower, t) || strings.Contains(t, lower) {
				return true
			}
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
