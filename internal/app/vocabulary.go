package app

import (
	"sync/atomic"

	"github.com/MrWong99/mathvox/internal/transcript"
	"github.com/MrWong99/mathvox/internal/transcript/vocab"
)

var _ transcript.Corrector = (*liveVocabulary)(nil)

// liveVocabulary is a transcript corrector whose term list can be replaced
// while utterances are being corrected.
type liveVocabulary struct {
	c atomic.Pointer[vocab.Corrector]
}

func newLiveVocabulary(terms []string) *liveVocabulary {
	v := &liveVocabulary{}
	v.Set(terms)
	return v
}

// Set replaces the term list.
func (v *liveVocabulary) Set(terms []string) {
	v.c.Store(vocab.New(terms))
}

// Correct implements [transcript.Corrector].
func (v *liveVocabulary) Correct(text string) string {
	return v.c.Load().Correct(text)
}

// Len returns the number of terms in use.
func (v *liveVocabulary) Len() int { return v.c.Load().Len() }
