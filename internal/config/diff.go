package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VocabularyChanged bool
	NewVocabulary     []string

	// RestartRequired lists the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Transcription.Vocabulary, new.Transcription.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Transcription.Vocabulary)
	}

	if old.Server.DiagnosticsAddr != new.Server.DiagnosticsAddr {
		d.RestartRequired = append(d.RestartRequired, "server.diagnostics_addr")
	}
	if old.Tutor != new.Tutor {
		d.RestartRequired = append(d.RestartRequired, "tutor")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !transcriptionEqual(old.Transcription, new.Transcription) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if !ttsEqual(old.TTS, new.TTS) {
		d.RestartRequired = append(d.RestartRequired, "tts")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}

	return d
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VocabularyChanged && len(d.RestartRequired) == 0
}

// transcriptionEqual compares everything except the vocabulary.
func transcriptionEqual(a, b TranscriptionConfig) bool {
	return a.Name == b.Name && a.URL == b.URL && a.APIKey == b.APIKey &&
		a.Model == b.Model && a.Language == b.Language &&
		a.UtteranceTimeout == b.UtteranceTimeout &&
		a.MaxReconnectAttempts == b.MaxReconnectAttempts &&
		a.ReconnectBackoff == b.ReconnectBackoff
}

func ttsEqual(a, b TTSConfig) bool {
	if a.MinSentenceLength != b.MinSentenceLength || a.CircuitBreaker != b.CircuitBreaker {
		return false
	}
	return slices.EqualFunc(append([]ProviderEntry{a.Primary}, a.Fallbacks...),
		append([]ProviderEntry{b.Primary}, b.Fallbacks...), entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Voice != b.Voice || len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		if w, ok := b.Options[k]; !ok || fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}
