package vocab

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.88
)

// matcher ranks single-word vocabulary terms against a spoken word.
//
// Double Metaphone codes are compared first; a term sharing a code with the
// word is a phonetic candidate and needs a Jaro-Winkler score of at least
// phoneticThreshold. Without a phonetic candidate, the best term must clear
// the stricter fuzzyThreshold on string similarity alone.
type matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// match returns the best term for word, or ok=false when nothing clears the
// thresholds.
func (m *matcher) match(word string, terms []term) (best string, score float64, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(word))
	if lower == "" || len(terms) == 0 {
		return "", 0, false
	}
	inputCodes := codesFor(lower)

	var phonetic bool
	for _, t := range terms {
		jw := matchr.JaroWinkler(lower, t.lower, false)
		if codesOverlap(inputCodes, t.codes) {
			if jw >= m.phoneticThreshold && (!phonetic || jw > score) {
				best, score, phonetic = t.text, jw, true
			}
			continue
		}
		if !phonetic && jw >= m.fuzzyThreshold && jw > score {
			best, score = t.text, jw
		}
	}
	return best, score, best != ""
}

// matchPhrase scores a window of words against a multi-word term position by
// position. The weakest word decides, so every word has to sound close to
// its counterpart.
func (m *matcher) matchPhrase(words []string, t term) (float64, bool) {
	if len(words) != len(t.tokens) {
		return 0, false
	}
	score := 1.0
	for i, w := range words {
		s := matchr.JaroWinkler(strings.ToLower(w), t.tokens[i], false)
		if s < score {
			score = s
		}
	}
	return score, score >= m.fuzzyThreshold
}

// codesFor returns the Double Metaphone codes of a word. Empty codes are
// excluded.
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
