package app

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/internal/config"
	"github.com/MrWong99/mathvox/internal/history"
	"github.com/MrWong99/mathvox/internal/tutor"
)

func newBuiltins(t *testing.T) *config.Registry {
	t.Helper()
	client, err := tutor.New("http://chat.test", "http://api.test")
	if err != nil {
		t.Fatalf("tutor.New: %v", err)
	}
	reg := config.NewRegistry()
	registerBuiltins(reg, builtins{
		ctx:        t.Context(),
		client:     client,
		tokens:     auth.StaticToken("tok"),
		sampleRate: 16000,
	})
	return reg
}

func TestRegisterBuiltins_TTS(t *testing.T) {
	t.Parallel()
	reg := newBuiltins(t)

	tests := []struct {
		name    string
		entry   config.ProviderEntry
		wantErr bool
	}{
		{name: "tutor", entry: config.ProviderEntry{Name: "tutor"}},
		{name: "tutor-openai", entry: config.ProviderEntry{Name: "tutor-openai"}},
		{name: "openai", entry: config.ProviderEntry{Name: "openai", APIKey: "sk", Voice: "nova", Options: map[string]any{"speed": 1, "timeout": "10s"}}},
		{name: "openai without key", entry: config.ProviderEntry{Name: "openai"}, wantErr: true},
		{name: "elevenlabs", entry: config.ProviderEntry{Name: "elevenlabs", APIKey: "xi", Voice: "v1"}},
		{name: "elevenlabs without key", entry: config.ProviderEntry{Name: "elevenlabs", Voice: "v1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := reg.CreateTTS(tt.entry)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateTTS: %v", err)
			}
			if p == nil {
				t.Fatal("provider is nil")
			}
		})
	}
}

func TestRegisterBuiltins_TutorTranscription(t *testing.T) {
	t.Parallel()
	reg := newBuiltins(t)

	ep, err := reg.CreateTranscription(config.TranscriptionConfig{Name: "tutor", URL: "wss://stt.test/ws"})
	if err != nil {
		t.Fatalf("CreateTranscription: %v", err)
	}
	if ep.URL != "wss://stt.test/ws" {
		t.Errorf("URL = %q", ep.URL)
	}
	header, err := ep.Authorization(context.Background())
	if err != nil || header != "Bearer tok" {
		t.Errorf("Authorization = %q, %v; want Bearer tok", header, err)
	}
}

func TestRegisterBuiltins_DeepgramTranscription(t *testing.T) {
	t.Parallel()
	reg := newBuiltins(t)

	ep, err := reg.CreateTranscription(config.TranscriptionConfig{
		Name:       "deepgram",
		APIKey:     "dg-key",
		Language:   "fr",
		Vocabulary: []string{"hypoténuse"},
	})
	if err != nil {
		t.Fatalf("CreateTranscription: %v", err)
	}
	u, err := url.Parse(ep.URL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()
	if q.Get("language") != "fr" || q.Get("sample_rate") != "16000" {
		t.Errorf("query = %v", q)
	}
	if kw := q.Get("keywords"); !strings.HasPrefix(kw, "hypoténuse:") {
		t.Errorf("keywords = %q", kw)
	}
	header, err := ep.Authorization(context.Background())
	if err != nil || header != "Token dg-key" {
		t.Errorf("Authorization = %q, %v; want Token dg-key", header, err)
	}
}

func TestRegisterBuiltins_History(t *testing.T) {
	t.Parallel()
	reg := newBuiltins(t)

	sink, err := reg.CreateHistory(config.HistoryConfig{Name: "none"})
	if err != nil {
		t.Fatalf("CreateHistory(none): %v", err)
	}
	if err := sink.Save(context.Background(), history.Record{}); err != nil {
		t.Errorf("Discard.Save: %v", err)
	}

	sink, err = reg.CreateHistory(config.HistoryConfig{Name: "tutor"})
	if err != nil {
		t.Fatalf("CreateHistory(tutor): %v", err)
	}
	if _, ok := sink.(*tutor.Client); !ok {
		t.Errorf("tutor history sink is %T, want *tutor.Client", sink)
	}
}

func TestTokenSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.TutorConfig
		want any
	}{
		{"token wins", config.TutorConfig{Token: "a", TokenFile: "/tmp/x"}, auth.StaticToken("a")},
		{"file", config.TutorConfig{TokenFile: "/tmp/x"}, &auth.FileStore{}},
		{"none", config.TutorConfig{}, auth.StaticToken("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenSource(tt.cfg)
			switch want := tt.want.(type) {
			case auth.StaticToken:
				if got != want {
					t.Errorf("tokenSource = %#v, want %#v", got, want)
				}
			case *auth.FileStore:
				fs, ok := got.(*auth.FileStore)
				if !ok || fs.Path != tt.cfg.TokenFile {
					t.Errorf("tokenSource = %#v, want FileStore at %s", got, tt.cfg.TokenFile)
				}
			}
		})
	}
}

func TestOptions(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"speed": 1.25, "whole": 2, "timeout": "1.5s", "bad": "soon"}
	if v, ok := floatOption(opts, "speed"); !ok || v != 1.25 {
		t.Errorf("speed = %v, %v", v, ok)
	}
	if v, ok := floatOption(opts, "whole"); !ok || v != 2 {
		t.Errorf("whole = %v, %v", v, ok)
	}
	if _, ok := floatOption(opts, "missing"); ok {
		t.Error("missing option reported present")
	}
	if d, ok := durationOption(opts, "timeout"); !ok || d != 1500*time.Millisecond {
		t.Errorf("timeout = %v, %v", d, ok)
	}
	if _, ok := durationOption(opts, "bad"); ok {
		t.Error("unparsable duration accepted")
	}
}

func TestLiveVocabulary(t *testing.T) {
	t.Parallel()

	v := newLiveVocabulary(nil)
	if v.Len() != 0 {
		t.Fatalf("Len = %d, want 0", v.Len())
	}
	if got := v.Correct("the hypotenuse"); got != "the hypotenuse" {
		t.Errorf("Correct with no terms = %q", got)
	}
	v.Set([]string{"hypotenuse", "Pythagorean theorem"})
	if v.Len() != 2 {
		t.Errorf("Len after Set = %d, want 2", v.Len())
	}
}
