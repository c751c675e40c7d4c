// Package classify turns loosely-structured provider errors into reusable
// detection signatures and scores how strongly a signature matches known
// rate-limit semantics.
package classify

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/failover/internal/core/domain"
)

// providerNames maps substrings found in error text to canonical provider
// ids. Order matters: first match wins.
var providerNames = []struct {
	needle    string
	canonical string
}{
	{"anthropic", "anthropic"},
	{"google", "google"},
	{"gemini", "google"},
	{"openai", "openai"},
}

// phrasePatterns is the fixed phrase dictionary. Underscore variants cover
// machine-readable codes that reuse the same words.
var phrasePatterns = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"too_many_requests",
	"quota exceeded",
	"quota_exceeded",
	"resource exhausted",
	"resource_exhausted",
	"overloaded",
	"usage limit",
	"usage_limit",
}

// Extract inspects an arbitrary error-like value and returns at most one
// signature. It never panics: nil, primitives, and objects yielding no
// matches all produce a nil result.
func Extract(v any) *domain.ErrorSignature {
	doc, ok := normalize(v)
	if !ok {
		return nil
	}

	provider := extractProviderDoc(doc)

	var patterns []string
	if code := extractStatusCodeDoc(doc); code != "" {
		patterns = append(patterns, code)
	}
	if code, ok := doc.data["code"].(string); ok && code != "" {
		patterns = append(patterns, code)
	}
	patterns = append(patterns, extractPhrasesDoc(doc)...)
	patterns = dedupe(patterns)

	if len(patterns) == 0 && provider == "" {
		return nil
	}

	return &domain.ErrorSignature{
		Provider:    provider,
		Patterns:    patterns,
		SourceError: doc.sourceText(),
		ExtractedAt: time.Now(),
	}
}

// ExtractProvider returns the canonical provider id guessed from the error
// text, or "" when no known provider name occurs.
func ExtractProvider(v any) string {
	doc, ok := normalize(v)
	if !ok {
		return ""
	}
	return extractProviderDoc(doc)
}

// ExtractStatusCode returns the decimal string form of a nested numeric
// status code, or "" when absent.
func ExtractStatusCode(v any) string {
	doc, ok := normalize(v)
	if !ok {
		return ""
	}
	return extractStatusCodeDoc(doc)
}

// ExtractPhrases returns all distinct phrase-dictionary matches found in the
// error's message and response body.
func ExtractPhrases(v any) []string {
	doc, ok := normalize(v)
	if !ok {
		return nil
	}
	return dedupe(extractPhrasesDoc(doc))
}

// errorDoc is the normalized view of an incoming error value. Only the
// optional fields the extractor reads are carried; everything else in the
// original document is ignored.
type errorDoc struct {
	name    string
	message string
	data    map[string]any
}

func (d errorDoc) sourceText() string {
	if d.message != "" {
		return d.message
	}
	if msg, ok := d.data["message"].(string); ok && msg != "" {
		return msg
	}
	return d.name
}

// searchText returns the fields scanned for provider names and phrases.
func (d errorDoc) searchText() []string {
	texts := []string{d.name, d.message}
	if msg, ok := d.data["message"].(string); ok {
		texts = append(texts, msg)
	}
	if body, ok := d.data["responseBody"].(string); ok {
		texts = append(texts, body)
	}
	return texts
}

func normalize(v any) (errorDoc, bool) {
	switch e := v.(type) {
	case nil:
		return errorDoc{}, false
	case map[string]any:
		doc := errorDoc{}
		if name, ok := e["name"].(string); ok {
			doc.name = name
		}
		if msg, ok := e["message"].(string); ok {
			doc.message = msg
		}
		if data, ok := e["data"].(map[string]any); ok {
			doc.data = data
		}
		return doc, true
	case error:
		return errorDoc{message: e.Error()}, true
	case string:
		// Primitive values carry no structure to extract from.
		return errorDoc{}, false
	default:
		return errorDoc{}, false
	}
}

func extractProviderDoc(doc errorDoc) string {
	for _, text := range []string{doc.message, doc.name} {
		lower := strings.ToLower(text)
		for _, p := range providerNames {
			if strings.Contains(lower, p.needle) {
				return p.canonical
			}
		}
	}
	return ""
}

func extractStatusCodeDoc(doc errorDoc) string {
	if doc.data == nil {
		return ""
	}
	if code, ok := asInt(doc.data["statusCode"]); ok {
		return strconv.Itoa(code)
	}
	if code, ok := asInt(doc.data["status"]); ok {
		return strconv.Itoa(code)
	}
	return ""
}

func extractPhrasesDoc(doc errorDoc) []string {
	var matches []string
	for _, text := range doc.searchText() {
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		for _, phrase := range phrasePatterns {
			if strings.Contains(lower, phrase) {
				matches = append(matches, phrase)
			}
		}
	}
	return matches
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func dedupe(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(patterns))
	out := patterns[:0]
	for _, p := range patterns {
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}
