package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/mathvox/internal/history"
	"github.com/MrWong99/mathvox/pkg/provider/stt"
	"github.com/MrWong99/mathvox/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	tts           map[string]func(ProviderEntry) (tts.Provider, error)
	transcription map[string]func(TranscriptionConfig) (stt.Endpoint, error)
	history       map[string]func(HistoryConfig) (history.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts:           make(map[string]func(ProviderEntry) (tts.Provider, error)),
		transcription: make(map[string]func(TranscriptionConfig) (stt.Endpoint, error)),
		history:       make(map[string]func(HistoryConfig) (history.Sink, error)),
	}
}

// RegisterTTS registers a TTS provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterTranscription registers a transcription endpoint factory under name.
func (r *Registry) RegisterTranscription(name string, factory func(TranscriptionConfig) (stt.Endpoint, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcription[name] = factory
}

// RegisterHistory registers a history sink factory under name.
func (r *Registry) RegisterHistory(name string, factory func(HistoryConfig) (history.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[name] = factory
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTranscription resolves the transcription endpoint registered under cfg.Name.
func (r *Registry) CreateTranscription(cfg TranscriptionConfig) (stt.Endpoint, error) {
	r.mu.RLock()
	factory, ok := r.transcription[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return stt.Endpoint{}, fmt.Errorf("%w: transcription/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateHistory instantiates the history sink registered under cfg.Name.
func (r *Registry) CreateHistory(cfg HistoryConfig) (history.Sink, error) {
	r.mu.RLock()
	factory, ok := r.history[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: history/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
