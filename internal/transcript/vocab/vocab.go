// Package vocab repairs mathematical terms that speech recognition tends to
// mangle ("pitagore", "hypotenuse") by aligning them with a configured
// vocabulary. Matching is phonetic (Double Metaphone) with Jaro-Winkler
// ranking, so only words that sound like a known term are replaced.
package vocab

import (
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

// minWordLength is the shortest word (in letters) that is considered for
// correction. Articles and short connectives are never touched.
const minWordLength = 3

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matching term. Default: 0.80.
func WithPhoneticThreshold(v float64) Option {
	return func(c *Corrector) { c.m.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no term
// matches phonetically. Default: 0.88.
func WithFuzzyThreshold(v float64) Option {
	return func(c *Corrector) { c.m.fuzzyThreshold = v }
}

type term struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Corrector rewrites utterances against a fixed vocabulary. It is read-only
// after construction and safe for concurrent use.
type Corrector struct {
	m      matcher
	single []term
	multi  []term
	known  map[string]struct{}
}

// New builds a Corrector for terms. Blank terms are ignored.
func New(terms []string, opts ...Option) *Corrector {
	c := &Corrector{
		m: matcher{
			phoneticThreshold: defaultPhoneticThreshold,
			fuzzyThreshold:    defaultFuzzyThreshold,
		},
		known: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	for _, raw := range terms {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		tokens := strings.Fields(lower)
		t := term{text: text, lower: lower, tokens: tokens}
		if len(tokens) > 1 {
			c.multi = append(c.multi, t)
		} else {
			t.codes = codesFor(lower)
			c.single = append(c.single, t)
		}
		c.known[lower] = struct{}{}
	}
	return c
}

// Len reports the number of vocabulary terms.
func (c *Corrector) Len() int { return len(c.single) + len(c.multi) }

// Correct returns text with near-miss vocabulary terms replaced. Leading and
// trailing punctuation around a word is preserved.
func (c *Corrector) Correct(text string) string {
	if c.Len() == 0 {
		return text
	}
	tokens := strings.Fields(text)
	out := make([]string, 0, len(tokens))

	for i := 0; i < len(tokens); {
		if repl, n, ok := c.replacePhrase(tokens[i:]); ok {
			out = append(out, repl)
			i += n
			continue
		}

		pre, core, post := splitPunct(tokens[i])
		if repl, ok := c.replace(core, c.single); ok {
			out = append(out, pre+repl+post)
		} else {
			out = append(out, tokens[i])
		}
		i++
	}
	return strings.Join(out, " ")
}

// replacePhrase tries every multi-word term at the start of tokens and
// returns the replacement and the number of tokens it consumes.
func (c *Corrector) replacePhrase(tokens []string) (string, int, bool) {
	var (
		best      term
		bestScore float64
	)
	for _, t := range c.multi {
		n := len(t.tokens)
		if n > len(tokens) {
			continue
		}
		words := make([]string, n)
		inner := false
		for k := range n {
			_, core, post := splitPunct(tokens[k])
			if post != "" && k < n-1 {
				inner = true
			}
			words[k] = core
		}
		if inner || strings.EqualFold(strings.Join(words, " "), t.text) {
			continue
		}
		if score, ok := c.m.matchPhrase(words, t); ok && score > bestScore {
			best, bestScore = t, score
		}
	}
	if bestScore == 0 {
		return "", 0, false
	}
	n := len(best.tokens)
	pre, _, _ := splitPunct(tokens[0])
	_, _, post := splitPunct(tokens[n-1])
	slog.Debug("vocabulary correction", "heard", strings.Join(tokens[:n], " "), "term", best.text, "score", bestScore)
	return pre + best.text + post, n, true
}

func (c *Corrector) replace(word string, terms []term) (string, bool) {
	if letterCount(word) < minWordLength {
		return "", false
	}
	if _, ok := c.known[strings.ToLower(word)]; ok {
		return "", false
	}
	best, score, ok := c.m.match(word, terms)
	if !ok {
		return "", false
	}
	slog.Debug("vocabulary correction", "heard", word, "term", best, "score", score)
	return best, true
}

// splitPunct separates leading and trailing punctuation from a token.
func splitPunct(tok string) (pre, core, post string) {
	start := 0
	for start < len(tok) {
		r, size := utf8.DecodeRuneInString(tok[start:])
		if !unicode.IsPunct(r) {
			break
		}
		start += size
	}
	end := len(tok)
	for end > start {
		r, size := utf8.DecodeLastRuneInString(tok[start:end])
		if !unicode.IsPunct(r) {
			break
		}
		end -= size
	}
	return tok[:start], tok[start:end], tok[end:]
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
