// Package transcript cleans raw speech-to-text output before it reaches the
// response generator.
//
// Two passes run in order:
//
//  1. Noise stripping: recogniser annotations such as "[BLANK_AUDIO]",
//     "(upbeat music)" or "*coughs*" are removed. A transcript that holds
//     nothing else is reported as noise and must be treated as absent.
//  2. Vocabulary correction: words and short n-grams are phonetically matched
//     against a configured vocabulary (product names, people, places) so that
//     "elder nacks" becomes "Eldrinax".
//
// A [Cleaner] is safe for concurrent use; its vocabulary may be replaced at
// runtime with [Cleaner.SetVocabulary].
package transcript

import (
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/parley/internal/transcript/phonetic"
)

const defaultMinWordLength = 3

// Correction is one substitution made by the vocabulary pass.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Result is the output of [Cleaner.Clean].
type Result struct {
	// Text is the cleaned transcript; empty when Noise is true.
	Text string

	// Noise is true when the input held only noise markers, punctuation or
	// whitespace.
	Noise bool

	// Corrections lists vocabulary substitutions in text order.
	Corrections []Correction
}

// Option configures a [Cleaner].
type Option func(*Cleaner)

// WithMatcher replaces the default phonetic matcher.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *Cleaner) {
		c.matcher = m
	}
}

// WithVocabulary sets the initial vocabulary.
func WithVocabulary(terms []string) Option {
	return func(c *Cleaner) {
		c.vocab.Store(phonetic.Prepare(terms))
	}
}

// WithMinWordLength sets the minimum letter count of a window considered for
// correction. Default 3.
func WithMinWordLength(n int) Option {
	return func(c *Cleaner) {
		c.minWordLen = n
	}
}

// Cleaner strips noise and corrects vocabulary.
type Cleaner struct {
	matcher    *phonetic.Matcher
	vocab      atomic.Pointer[phonetic.Vocabulary]
	minWordLen int
}

// New returns a Cleaner. Without a vocabulary only noise is stripped.
func New(opts ...Option) *Cleaner {
	c := &Cleaner{
		matcher:    phonetic.New(),
		minWordLen: defaultMinWordLength,
	}
	c.vocab.Store(phonetic.Prepare(nil))
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetVocabulary atomically replaces the vocabulary. In-flight Clean calls
// finish with the previous one.
func (c *Cleaner) SetVocabulary(terms []string) {
	c.vocab.Store(phonetic.Prepare(terms))
}

// VocabularySize reports the number of usable vocabulary terms.
func (c *Cleaner) VocabularySize() int {
	return c.vocab.Load().Len()
}

// Clean runs both passes over text.
func (c *Cleaner) Clean(text string) Result {
	stripped := StripNoise(text)
	if !hasContent(stripped) {
		return Result{Noise: true}
	}
	corrected, corrections := c.correct(stripped)
	return Result{Text: corrected, Corrections: corrections}
}

// token is a whitespace-separated word split into leading punctuation, the
// word core and trailing punctuation.
type token struct {
	prefix, core, suffix string
}

func splitToken(s string) token {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' }
	start := strings.IndexFunc(s, isWord)
	if start < 0 {
		return token{prefix: s}
	}
	end := strings.LastIndexFunc(s, isWord)
	_, size := utf8.DecodeRuneInString(s[end:])
	return token{prefix: s[:start], core: s[start : end+size], suffix: s[end+size:]}
}

// correct replaces vocabulary matches. At each position every window of up
// to MaxWords+1 tokens is scored and the best one wins, ties going to the
// shorter window. Windows never cross inner punctuation, so "Grimjaw. Then"
// is not a candidate.
func (c *Cleaner) correct(text string) (string, []Correction) {
	vocab := c.vocab.Load()
	fields := strings.Fields(text)
	if vocab.Len() == 0 {
		return strings.Join(fields, " "), nil
	}

	tokens := make([]token, len(fields))
	for i, f := range fields {
		tokens[i] = splitToken(f)
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		bestN, bestTerm, bestConf := 0, "", 0.0
		for n := 1; n <= vocab.MaxWords()+1 && i+n <= len(tokens); n++ {
			window, ok := c.window(tokens[i : i+n])
			if !ok {
				break
			}
			if len([]rune(strings.ReplaceAll(window, " ", ""))) < c.minWordLen {
				continue
			}
			term, conf, matched := c.matcher.MatchVocabulary(window, vocab)
			if matched && conf > bestConf {
				bestN, bestTerm, bestConf = n, term, conf
			}
		}

		if bestN == 0 {
			out = append(out, fields[i])
			i++
			continue
		}

		window, _ := c.window(tokens[i : i+bestN])
		first, last := tokens[i], tokens[i+bestN-1]
		out = append(out, first.prefix+bestTerm+last.suffix)
		if window != bestTerm {
			corrections = append(corrections, Correction{Original: window, Corrected: bestTerm, Confidence: bestConf})
		}
		i += bestN
	}
	return strings.Join(out, " "), corrections
}

// window joins token cores. It fails when a token has no core or when
// punctuation separates two tokens inside the window.
func (c *Cleaner) window(tokens []token) (string, bool) {
	cores := make([]string, len(tokens))
	for j, t := range tokens {
		if t.core == "" {
			return "", false
		}
		if j > 0 && t.prefix != "" {
			return "", false
		}
		if j < len(tokens)-1 && t.suffix != "" {
			return "", false
		}
		cores[j] = t.core
	}
	return strings.Join(cores, " "), true
}

func hasContent(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}
