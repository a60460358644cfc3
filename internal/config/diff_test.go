package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/mathvox/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)

	if d := config.Diff(a, b); !d.Empty() {
		t.Errorf("Diff = %+v, want empty", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	a, b := validConfig(), validConfig()
	b.Server.LogLevel = config.LogWarn

	d := config.Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("Diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_VocabularyChanged(t *testing.T) {
	t.Parallel()
	a, b := validConfig(), validConfig()
	b.Transcription.Vocabulary = []string{"hypoténuse"}

	d := config.Diff(a, b)
	if !d.VocabularyChanged || !slices.Equal(d.NewVocabulary, []string{"hypoténuse"}) {
		t.Errorf("Diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	a, b := validConfig(), validConfig()
	b.Tutor.UserID = "someone-else"
	b.Transcription.Language = "en"
	b.TTS.Fallbacks = []config.ProviderEntry{{Name: "openai", APIKey: "k"}}
	b.History.Name = "none"

	d := config.Diff(a, b)
	want := []string{"tutor", "transcription", "tts", "history"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.VocabularyChanged {
		t.Errorf("unexpected hot changes: %+v", d)
	}
}

func TestDiff_ProviderOptions(t *testing.T) {
	t.Parallel()
	a, b := validConfig(), validConfig()
	a.TTS.Primary.Options = map[string]any{"speed": 1.0}
	b.TTS.Primary.Options = map[string]any{"speed": 1.25}

	if d := config.Diff(a, b); !slices.Contains(d.RestartRequired, "tts") {
		t.Errorf("option change not detected: %+v", d)
	}
}
