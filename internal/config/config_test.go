package config_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/mathvox/internal/config"
	"github.com/MrWong99/mathvox/internal/history"
	"github.com/MrWong99/mathvox/pkg/provider/stt"
	"github.com/MrWong99/mathvox/pkg/provider/tts"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  log_level: debug
  diagnostics_addr: "127.0.0.1:9464"

tutor:
  chat_url: https://chat.example.com
  api_url: https://api.example.com
  user_id: student-42
  token_file: /tmp/mathvox/token

audio:
  sample_rate: 16000
  channels: 2
  gate:
    threshold: 0.02
    silence_duration: 2s

transcription:
  name: tutor
  url: wss://stt.example.com/ws
  utterance_timeout: 4s
  vocabulary:
    - hypoténuse
    - théorème de Pythagore

tts:
  primary:
    name: tutor
  fallbacks:
    - name: openai
      api_key: sk-test
      model: tts-1
      voice: nova
  circuit_breaker:
    max_failures: 2
    reset_timeout: 1m

history:
  name: postgres
  postgres_dsn: postgres://localhost/mathvox
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// minimalYAML holds just the required fields.
const minimalYAML = `
tutor:
  chat_url: https://chat.example.com
  api_url: https://api.example.com
  user_id: student-42
transcription:
  url: wss://stt.example.com/ws
`

// ── loader ───────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Tutor.UserID != "student-42" {
		t.Errorf("user_id = %q", cfg.Tutor.UserID)
	}
	if cfg.Audio.Gate.SilenceDuration != 2*time.Second {
		t.Errorf("silence_duration = %v", cfg.Audio.Gate.SilenceDuration)
	}
	if cfg.Transcription.UtteranceTimeout != 4*time.Second {
		t.Errorf("utterance_timeout = %v", cfg.Transcription.UtteranceTimeout)
	}
	if len(cfg.Transcription.Vocabulary) != 2 {
		t.Errorf("vocabulary = %v", cfg.Transcription.Vocabulary)
	}
	if len(cfg.TTS.Fallbacks) != 1 || cfg.TTS.Fallbacks[0].Voice != "nova" {
		t.Errorf("tts fallbacks = %+v", cfg.TTS.Fallbacks)
	}
	if cfg.TTS.CircuitBreaker.ResetTimeout != time.Minute {
		t.Errorf("reset_timeout = %v", cfg.TTS.CircuitBreaker.ResetTimeout)
	}
	if cfg.History.Name != "postgres" {
		t.Errorf("history = %q", cfg.History.Name)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, minimalYAML)

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"region", cfg.Tutor.Region, config.DefaultRegion},
		{"request_timeout", cfg.Tutor.RequestTimeout, config.DefaultRequestTimeout},
		{"sample_rate", cfg.Audio.SampleRate, config.DefaultSampleRate},
		{"channels", cfg.Audio.Channels, 1},
		{"frame_size", cfg.Audio.FrameSize, config.DefaultFrameSize},
		{"playback_rate", cfg.Audio.PlaybackRate, config.DefaultPlaybackRate},
		{"transcription", cfg.Transcription.Name, "tutor"},
		{"utterance_timeout", cfg.Transcription.UtteranceTimeout, config.DefaultUtteranceTimeout},
		{"max_reconnect_attempts", cfg.Transcription.MaxReconnectAttempts, config.DefaultMaxReconnectAttempts},
		{"reconnect_backoff", cfg.Transcription.ReconnectBackoff, config.DefaultReconnectBackoff},
		{"tts.primary", cfg.TTS.Primary.Name, "tutor"},
		{"min_sentence_length", cfg.TTS.MinSentenceLength, config.DefaultMinSentenceLength},
		{"history", cfg.History.Name, "tutor"},
		{"save_timeout", cfg.History.SaveTimeout, config.DefaultHistoryTimeout},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("MATHVOX_TEST_USER", "env-student")
	t.Setenv("MATHVOX_TEST_KEY", "dg-secret")

	cfg := mustLoad(t, `
tutor:
  chat_url: https://chat.example.com
  api_url: https://api.example.com
  user_id: ${MATHVOX_TEST_USER}
transcription:
  name: deepgram
  api_key: ${MATHVOX_TEST_KEY}
`)
	if cfg.Tutor.UserID != "env-student" {
		t.Errorf("user_id = %q", cfg.Tutor.UserID)
	}
	if cfg.Transcription.APIKey != "dg-secret" {
		t.Errorf("api_key = %q", cfg.Transcription.APIKey)
	}
}

func TestExpandEnv_LeavesBareDollar(t *testing.T) {
	t.Setenv("MATHVOX_TEST_X", "x")
	got := string(config.ExpandEnv([]byte("a $HOME ${MATHVOX_TEST_X} ${MATHVOX_TEST_UNSET}")))
	if got != "a $HOME x " {
		t.Errorf("ExpandEnv = %q", got)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nbogus: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS err = %v", err)
	}
	if _, err := reg.CreateTranscription(config.TranscriptionConfig{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTranscription err = %v", err)
	}
	if _, err := reg.CreateHistory(config.HistoryConfig{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateHistory err = %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	reg.RegisterTTS("fake", func(e config.ProviderEntry) (tts.Provider, error) {
		return tts.ProviderFunc(func(context.Context, tts.Request) ([]byte, error) {
			return []byte(e.Voice), nil
		}), nil
	})
	reg.RegisterTranscription("fake", func(c config.TranscriptionConfig) (stt.Endpoint, error) {
		return stt.Endpoint{URL: c.URL, Codec: stt.JSONCodec{}}, nil
	})
	reg.RegisterHistory("none", func(config.HistoryConfig) (history.Sink, error) {
		return history.Discard, nil
	})

	p, err := reg.CreateTTS(config.ProviderEntry{Name: "fake", Voice: "nova"})
	if err != nil {
		t.Fatalf("CreateTTS: %v", err)
	}
	if got, _ := p.Synthesize(context.Background(), tts.Request{Text: "x"}); string(got) != "nova" {
		t.Errorf("factory did not receive the entry: %q", got)
	}

	ep, err := reg.CreateTranscription(config.TranscriptionConfig{Name: "fake", URL: "wss://x"})
	if err != nil || ep.URL != "wss://x" {
		t.Errorf("CreateTranscription = %+v, %v", ep, err)
	}

	if _, err := reg.CreateHistory(config.HistoryConfig{Name: "none"}); err != nil {
		t.Errorf("CreateHistory: %v", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := errors.New("boom")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, want })

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"}); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestLogLevel_Slog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level config.LogLevel
		want  slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.level.Slog(); got != tt.want {
			t.Errorf("%q.Slog() = %v, want %v", tt.level, got, tt.want)
		}
	}
}
