// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider turns one sentence of the tutor's answer into a complete,
// encoded audio payload (MP3 or WAV) that the playback sequencer decodes.
// Sentences are synthesised one at a time so the first one can play while
// the rest of the answer is still streaming in.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when a request carries no text to speak.
var ErrEmptyText = errors.New("tts: empty text")

// Request is one synthesis call.
type Request struct {
	// Text is the sentence to speak, already prepared for speech.
	Text string

	// UserID and MessageID identify the segment. Backends that store the
	// audio for later replay key it by both.
	UserID    string
	MessageID string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize returns the encoded audio for req.Text. Backends that reject
	// the caller's credentials return an error wrapping auth.ErrUnauthorized.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// ProviderFunc adapts a function to [Provider].
type ProviderFunc func(ctx context.Context, req Request) ([]byte, error)

// Synthesize implements [Provider].
func (f ProviderFunc) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}
