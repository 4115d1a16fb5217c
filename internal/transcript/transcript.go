// Package transcript corrects speech-to-text output against a list of
// hotwords, names the recognizer frequently mangles (voice names, tool names,
// deployment-specific vocabulary).
//
// The correction algorithm runs in two stages per word:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the word and for each hotword. A hotword becomes a candidate when any
//     of its codes overlaps with the word's codes.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the hotword with the
//     highest Jaro-Winkler similarity wins, provided its score exceeds the
//     phonetic threshold. Without any phonetic candidate, a secondary pass
//     accepts a hotword on pure string similarity above a higher fuzzy
//     threshold.
package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// Words shorter than this are never corrected; phonetic codes of two-letter
	// tokens collide with half the dictionary.
	minWordLen = 3
)

// Correction records one replaced word.
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched hotword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the corrector falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

// hotword holds a hotword with its precomputed phonetic codes.
type hotword struct {
	word  string
	lower string
	codes map[string]struct{}
}

// Corrector replaces misrecognized words with their closest hotword. It is
// read-only after construction and safe for concurrent use.
type Corrector struct {
	hotwords          []hotword
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New builds a Corrector for the given hotwords. Empty and duplicate entries
// are dropped.
func New(words []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}

	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		lower := strings.ToLower(w)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		c.hotwords = append(c.hotwords, hotword{
			word:  w,
			lower: lower,
			codes: codesFor(lower),
		})
	}
	return c
}

// Correct replaces words in text that phonetically match a hotword and
// returns the corrected text together with the applied corrections. Words
// already equal to a hotword (ignoring case) are left alone.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.hotwords) == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}

	tokens := strings.Fields(text)
	var corrections []Correction

	for i, token := range tokens {
		core, prefix, suffix := trimPunct(token)
		if len(core) < minWordLen {
			continue
		}
		replacement, confidence, ok := c.match(core)
		if !ok {
			continue
		}
		tokens[i] = prefix + replacement + suffix
		corrections = append(corrections, Correction{
			Original:   core,
			Corrected:  replacement,
			Confidence: confidence,
		})
	}

	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(tokens, " "), corrections
}

// match finds the best hotword for word, or reports no match. Exact matches
// (ignoring case) never count as corrections.
func (c *Corrector) match(word string) (string, float64, bool) {
	lower := strings.ToLower(word)
	codes := codesFor(lower)

	var (
		bestWord     string
		bestScore    float64
		bestPhonetic bool
	)

	for _, h := range c.hotwords {
		if h.lower == lower {
			return "", 0, false
		}
		score := matchr.JaroWinkler(lower, h.lower, false)
		if codesOverlap(codes, h.codes) {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				bestWord, bestScore, bestPhonetic = h.word, score, true
			}
		} else if !bestPhonetic {
			if score >= c.fuzzyThreshold && score > bestScore {
				bestWord, bestScore = h.word, score
			}
		}
	}

	if bestWord == "" {
		return "", 0, false
	}
	return bestWord, bestScore, true
}

// codesFor returns the Double Metaphone codes of word, excluding empty codes.
func codesFor(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
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

// trimPunct splits leading and trailing punctuation off a token so that
// "Lessac," matches the hotword and keeps its comma.
func trimPunct(token string) (core, prefix, suffix string) {
	start := 0
	for start < len(token) && isPunct(rune(token[start])) {
		start++
	}
	end := len(token)
	for end > start && isPunct(rune(token[end-1])) {
		end--
	}
	return token[start:end], token[:start], token[end:]
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}
