// Package semantic provides the content-similarity primitives shared by
// insight dedup and pattern grouping: text normalization, token-overlap
// matching, and embedding-based cosine similarity.
package semantic

import (
	"math"
	"strings"
	"unicode"
)

// Default thresholds. Token overlap is the deterministic first pass;
// cosine is consulted only when an embedder is available.
const (
	DefaultTokenThreshold  = 0.6
	DefaultCosineThreshold = 0.82
)

// stopwords excluded from token comparison. Short function words dominate
// conversational text and would inflate overlap scores.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "i": {}, "in": {},
	"is": {}, "it": {}, "my": {}, "of": {}, "on": {}, "or": {}, "that": {},
	"the": {}, "to": {}, "want": {}, "wants": {}, "with": {}, "would": {},
}

// Normalize lowercases text, strips punctuation, and collapses whitespace.
// Dismissed-insight suppression compares normalized forms, so this must be
// stable across releases.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens returns the normalized, stopword-filtered token set of text.
func Tokens(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(Normalize(text)) {
		if _, skip := stopwords[tok]; skip {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

// TokenOverlap returns the Jaccard similarity of the two texts' token sets,
// in [0,1]. Empty inputs score 0 against everything.
func TokenOverlap(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

// OverlapCoefficient returns the overlap coefficient of the two texts'
// token sets: intersection over the smaller set, in [0,1]. Unlike Jaccard
// it scores full containment in either direction as 1.0, so a short
// existing entry ("honesty") still matches a longer candidate that
// restates it ("honesty and family"). Jaccard understates exactly that
// case for small sets. Empty inputs score 0 against everything.
func OverlapCoefficient(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	return float64(intersection) / float64(smaller)
}

// Cosine returns the cosine similarity of two embedding vectors, or 0 for
// mismatched or zero-length input.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
