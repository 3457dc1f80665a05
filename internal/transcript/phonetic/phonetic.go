// Package phonetic matches misheard words against a known vocabulary using
// Double Metaphone codes and Jaro-Winkler similarity.
//
// A vocabulary term is a candidate for a spoken word (or n-gram) when their
// Double Metaphone code sets overlap; the candidate with the highest
// Jaro-Winkler score above the phonetic threshold wins. When no term shares a
// code, a pure Jaro-Winkler pass with the stricter fuzzy threshold is tried.
//
// Multi-word terms ("Tower of Whispers") are scored on the full string, on
// the space-stripped string and, when the input has no more words than the
// term, on the best token pair. Inputs whose letter count differs from a
// term's by more than a third of the term are never matched to it, so a
// window like "tell grimjaw" cannot swallow its neighbour.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	maxLengthSkew = 3 // allowed difference is len(term)/maxLengthSkew
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term that
// shares a phonetic code with the input. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term that
// shares no phonetic code with the input. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher with the given options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is one precomputed vocabulary entry.
type term struct {
	canonical string
	lower     string
	joined    string
	tokens    []string
	codes     map[string]struct{}
}

// Vocabulary is a precomputed set of terms. Build it once with [Prepare] and
// reuse it for every transcript; it is immutable and safe to share.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// Prepare normalises terms and computes their phonetic codes. Blank terms
// are skipped.
func Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{terms: make([]term, 0, len(terms))}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			canonical: strings.TrimSpace(t),
			lower:     lower,
			joined:    strings.Join(tokens, ""),
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len reports the number of usable terms.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.terms)
}

// MaxWords is the word count of the longest term, 0 for an empty vocabulary.
func (v *Vocabulary) MaxWords() int {
	if v == nil {
		return 0
	}
	return v.maxWords
}

// Match prepares terms and matches word against them. Prefer [Prepare] plus
// [Matcher.MatchVocabulary] when matching many words.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchVocabulary(word, Prepare(terms))
}

// MatchVocabulary finds the vocabulary term most similar to word, which may
// be a single word or a space-separated n-gram. The returned term keeps its
// canonical casing. When matched is false, corrected equals word and
// confidence is 0.
func (m *Matcher) MatchVocabulary(word string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	if v.Len() == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	lower := strings.ToLower(strings.TrimSpace(word))
	tokens := strings.Fields(lower)
	joined := strings.Join(tokens, "")
	codes := codesForTokens(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range v.terms {
		if !lengthCompatible(joined, t.joined) {
			continue
		}
		score := bestJWScore(tokens, t.tokens, lower, t.lower)
		if codesOverlap(codes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.canonical, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t.canonical, score
		}
	}

	if best == "" {
		return word, 0, false
	}
	return best, bestScore, true
}

func lengthCompatible(input, term string) bool {
	diff := len([]rune(input)) - len([]rune(term))
	if diff < 0 {
		diff = -diff
	}
	return diff*maxLengthSkew <= len([]rune(term))
}

// codesForTokens returns the union of the primary and secondary Double
// Metaphone codes of tokens, excluding empty codes.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(termTokens, ""), false)
		score = max(score, joined)
	}

	if len(inputTokens) > len(termTokens) {
		return score
	}
	for _, it := range inputTokens {
		for _, tt := range termTokens {
			score = max(score, matchr.JaroWinkler(it, tt, false))
		}
	}
	return score
}
