// Package transcript corrects recognizer output against a domain
// vocabulary.
//
// Speech engines regularly mishear product names, account terms and other
// domain words. [Corrector] slides n-gram windows over the transcript and
// replaces windows that phonetically match a vocabulary term. It runs
// in-process with no network calls, so it is cheap enough for every turn.
package transcript

import (
	"strings"

	"github.com/MrWong99/voxline/internal/transcript/phonetic"
)

// Correction captures one substitution.
type Correction struct {
	// Original is the text as produced by the recognizer.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the match similarity in [0, 1].
	Confidence float64
}

// Option is a functional option for [NewCorrector].
type Option func(*Corrector)

// WithMatcher replaces the default phonetic matcher.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// Corrector is safe for concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher
	vocab   *phonetic.Vocabulary
}

// NewCorrector prepares vocabulary for matching. An empty vocabulary yields
// a Corrector that never changes its input.
func NewCorrector(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		matcher: phonetic.New(),
		vocab:   phonetic.Prepare(vocabulary),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct returns text with matching windows replaced by vocabulary terms,
// and the substitutions made. Longer windows are tried first so multi-word
// terms win over partial single-word matches. A window only matches a term
// with the same number of words, and each of its words must match the term
// word at the same position on its own. Trailing punctuation of a window is
// kept.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if c == nil || c.vocab.Len() == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		n := min(c.vocab.MaxWords(), len(tokens)-i)
		consumed := 0
		for ; n >= 1; n-- {
			window, punct := splitPunct(strings.Join(tokens[i:i+n], " "))
			if window == "" {
				continue
			}
			term, conf, ok := c.matcher.MatchVocabulary(window, c.vocab)
			if !ok || len(strings.Fields(term)) != n || !c.aligned(window, term) {
				continue
			}
			out = append(out, term+punct)
			if !strings.EqualFold(term, window) {
				corrections = append(corrections, Correction{Original: window, Corrected: term, Confidence: conf})
			}
			consumed = n
			break
		}
		if consumed == 0 {
			out = append(out, tokens[i])
			consumed = 1
		}
		i += consumed
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// aligned reports whether every word of window matches the word of term at
// the same position. Single words are already checked by MatchVocabulary.
func (c *Corrector) aligned(window, term string) bool {
	words, termWords := strings.Fields(window), strings.Fields(term)
	if len(words) < 2 {
		return true
	}
	for i, w := range words {
		w, _ = splitPunct(w)
		if _, _, ok := c.matcher.Match(w, termWords[i:i+1]); !ok {
			return false
		}
	}
	return true
}

func splitPunct(s string) (string, string) {
	core := strings.TrimRight(s, ".,!?;:")
	return core, s[len(core):]
}
