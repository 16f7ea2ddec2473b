package transcript

import (
	"slices"
	"strings"
	"unicode"

	"github.com/MrWong99/earshot/internal/transcript/phonetic"
)

// Correction is one substitution made by the [Corrector].
type Correction struct {
	// Original is the span as produced by speech-to-text, without surrounding
	// punctuation.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the similarity score of the match (0.0–1.0).
	Confidence float64
}

// Corrected is the result of [Corrector.Correct].
type Corrected struct {
	Text        string
	Corrections []Correction

	// Foul reports whether the text contains a blocked word.
	Foul bool
}

// CorrectorOption is a functional option for configuring a [Corrector].
type CorrectorOption func(*Corrector)

// WithMatcher replaces the default [phonetic.Matcher].
func WithMatcher(m *phonetic.Matcher) CorrectorOption {
	return func(c *Corrector) {
		if m != nil {
			c.matcher = m
		}
	}
}

// WithBlockedWords sets the words that mark an entry as foul. Matching is
// case-insensitive on whole words.
func WithBlockedWords(words []string) CorrectorOption {
	return func(c *Corrector) {
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				c.blocked[w] = struct{}{}
			}
		}
	}
}

// Corrector rewrites misheard proper nouns to their vocabulary spelling.
//
// Every span of up to one word more than the longest term is scored against
// the vocabulary. Spans are then accepted best score first, preferring
// longer spans on ties, as long as they do not overlap a span already
// accepted.
//
// Corrector is read-only after construction and safe for concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher
	vocab   *phonetic.Vocabulary
	blocked map[string]struct{}
}

// NewCorrector returns a Corrector for vocabulary.
func NewCorrector(vocabulary []string, opts ...CorrectorOption) *Corrector {
	c := &Corrector{
		matcher: phonetic.New(),
		vocab:   phonetic.NewVocabulary(vocabulary),
		blocked: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type span struct {
	start, n int
	term     string
	score    float64
	phrase   string
}

// Correct applies the vocabulary to text. Whitespace is normalized to single
// spaces. Punctuation around a replaced span is kept.
func (c *Corrector) Correct(text string) Corrected {
	tokens := strings.Fields(text)
	res := Corrected{Text: strings.Join(tokens, " ")}
	if len(tokens) == 0 {
		return res
	}

	cores := make([]string, len(tokens))
	for i, tok := range tokens {
		cores[i] = strings.TrimFunc(tok, unicode.IsPunct)
		if _, ok := c.blocked[strings.ToLower(cores[i])]; ok {
			res.Foul = true
		}
	}

	if c.vocab.Len() == 0 {
		return res
	}

	accepted := c.selectSpans(cores)
	if len(accepted) == 0 {
		return res
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		sp, ok := accepted[i]
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		first, last := tokens[i], tokens[i+sp.n-1]
		lead := first[:len(first)-len(strings.TrimLeftFunc(first, unicode.IsPunct))]
		trail := last[len(strings.TrimRightFunc(last, unicode.IsPunct)):]
		out = append(out, lead+sp.term+trail)
		if sp.phrase != sp.term {
			res.Corrections = append(res.Corrections, Correction{
				Original:   sp.phrase,
				Corrected:  sp.term,
				Confidence: sp.score,
			})
		}
		i += sp.n
	}
	res.Text = strings.Join(out, " ")
	return res
}

// selectSpans returns the accepted spans keyed by their first token.
func (c *Corrector) selectSpans(cores []string) map[int]span {
	maxN := c.vocab.MaxWords() + 1

	var cands []span
	for i := range cores {
		for n := 1; n <= maxN && i+n <= len(cores); n++ {
			if cores[i] == "" || cores[i+n-1] == "" {
				continue
			}
			phrase := strings.Join(cores[i:i+n], " ")
			term, score, ok := c.matcher.Match(phrase, c.vocab)
			if !ok {
				continue
			}
			cands = append(cands, span{start: i, n: n, term: term, score: score, phrase: phrase})
		}
	}

	slices.SortStableFunc(cands, func(a, b span) int {
		switch {
		case a.score != b.score:
			if a.score > b.score {
				return -1
			}
			return 1
		case a.n != b.n:
			return b.n - a.n
		default:
			return a.start - b.start
		}
	})

	used := make([]bool, len(cores))
	accepted := make(map[int]span)
	for _, sp := range cands {
		if slices.Contains(used[sp.start:sp.start+sp.n], true) {
			continue
		}
		for k := sp.start; k < sp.start+sp.n; k++ {
			used[k] = true
		}
		accepted[sp.start] = sp
	}
	return accepted
}
