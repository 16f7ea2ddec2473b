// Package phonetic matches misheard phrases against a fixed vocabulary of
// proper nouns using Double Metaphone codes and Jaro-Winkler similarity.
//
// A candidate is accepted in one of two ways:
//
//  1. Phonetic: a Double Metaphone code of the phrase overlaps with a code of
//     the term, and the best Jaro-Winkler score reaches the phonetic
//     threshold (default 0.70).
//  2. Fuzzy: no term overlaps phonetically, but the Jaro-Winkler score
//     reaches the stricter fuzzy threshold (default 0.85).
//
// Phonetic candidates always win over fuzzy ones. Multi-word terms (e.g.
// "Tower of Whispers") are compared on the full string and on the
// space-stripped string, so "elder nacks" still lines up with "Eldrinax".
// A phrase less than half or more than twice as long as a term never matches
// it; this keeps short function words from being pulled towards long terms.
package phonetic

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Vocabulary is a prepared set of terms. Codes are computed once so that a
// [Vocabulary] can be shared by every utterance of a session.
//
// Vocabulary is read-only after construction and safe for concurrent use.
type Vocabulary struct {
	terms    []term
	maxWords int
}

type term struct {
	text    string
	lower   string
	tokens  []string
	codes   map[string]struct{}
	letters int
}

// NewVocabulary prepares terms. Blank terms are skipped.
func NewVocabulary(terms []string) *Vocabulary {
	v := &Vocabulary{}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			text:    strings.TrimSpace(t),
			lower:   lower,
			tokens:  tokens,
			codes:   codesForTokens(tokens),
			letters: letterCount(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.terms)
}

// MaxWords returns the word count of the longest term.
func (v *Vocabulary) MaxWords() int {
	if v == nil {
		return 0
	}
	return v.maxWords
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically overlapping term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no term
// overlaps phonetically. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher ranks vocabulary terms against a phrase. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
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

// Match returns the vocabulary term most similar to phrase. When matched is
// false, corrected equals phrase and confidence is 0. The returned term keeps
// the casing it was registered with.
func (m *Matcher) Match(phrase string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	if v.Len() == 0 || strings.TrimSpace(phrase) == "" {
		return phrase, 0, false
	}

	lower := strings.ToLower(strings.TrimSpace(phrase))
	tokens := strings.Fields(lower)
	codes := codesForTokens(tokens)
	letters := letterCount(tokens)

	var (
		best      string
		bestScore float64
		phonetic  bool
	)
	for _, t := range v.terms {
		if 2*letters < t.letters || letters > 2*t.letters {
			continue
		}
		score := bestJWScore(tokens, t.tokens, lower, t.lower)
		if codesOverlap(codes, t.codes) {
			if score >= m.phoneticThreshold && (!phonetic || score > bestScore) {
				best, bestScore, phonetic = t.text, score, true
			}
			continue
		}
		if !phonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t.text, score
		}
	}

	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Empty codes are excluded.
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

// bestJWScore is the higher Jaro-Winkler similarity of the full strings and
// the space-stripped strings.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)
	if len(inputTokens) > 1 || len(termTokens) > 1 {
		a := strings.Join(inputTokens, "")
		b := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(a, b, false); s > score {
			score = s
		}
	}
	return score
}

func letterCount(tokens []string) int {
	n := 0
	for _, t := range tokens {
		n += utf8.RuneCountInString(t)
	}
	return n
}
