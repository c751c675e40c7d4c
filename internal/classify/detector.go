package classify

import (
	"strings"

	"github.com/vietddude/failover/internal/core/domain"
)

// statusMarkers are numeric markers that indicate throttling on their own.
var statusMarkers = map[string]struct{}{
	"429": {},
}

// IsRateLimit reports whether the error value looks like a rate limit,
// judged by its extracted signature against the built-in dictionary and the
// supplied static plus learned patterns. A provider guess alone is not
// enough; at least one pattern must match.
func IsRateLimit(v any, known []domain.ErrorPattern) bool {
	sig := Extract(v)
	if sig == nil {
		return false
	}
	return SignatureMatches(sig, known)
}

// SignatureMatches reports whether an already-extracted signature carries a
// rate-limit marker.
func SignatureMatches(sig *domain.ErrorSignature, known []domain.ErrorPattern) bool {
	for _, p := range sig.Patterns {
		if _, ok := statusMarkers[p]; ok {
			return true
		}
		if isPhrasePattern(p) {
			return true
		}
		if matchesKnown(p, known) {
			return true
		}
	}
	return false
}

func isPhrasePattern(p string) bool {
	lower := strings.ToLower(p)
	for _, phrase := range phrasePatterns {
		if lower == phrase {
			return true
		}
	}
	return false
}
