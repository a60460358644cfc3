package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/mathvox/pkg/provider/tts"
)

// ---- URL construction ----

func TestBuildURLForVoice(t *testing.T) {
	url := buildURLForVoice(defaultBaseURL, "voice-abc123", "mp3_44100_128")
	want := "https://api.elevenlabs.io/v1/text-to-speech/voice-abc123?output_format=mp3_44100_128"
	if url != want {
		t.Errorf("URL = %q, want %q", url, want)
	}
	if got := buildURLForVoice("http://h", "v", ""); got != "http://h/v1/text-to-speech/v" {
		t.Errorf("URL without format = %q", got)
	}
}

// ---- Synthesis ----

func TestSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "key" {
			t.Errorf("xi-api-key = %q", r.Header.Get("xi-api-key"))
		}
		var body synthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Text != "Le carré de l'hypoténuse." || body.ModelID != defaultModel {
			t.Errorf("body = %+v", body)
		}
		if body.VoiceSettings != tutorVoiceSettings {
			t.Errorf("voice settings = %+v", body.VoiceSettings)
		}
		_, _ = io.WriteString(w, "ID3mp3")
	}))
	defer srv.Close()

	p, err := New("key", "voice-1", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Synthesize(context.Background(), tts.Request{Text: "Le carré de l'hypoténuse."})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(got) != "ID3mp3" {
		t.Errorf("audio = %q", got)
	}
}

func TestSynthesize_ErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":{"status":"voice_not_found"}}`)
	}))
	defer srv.Close()

	p, _ := New("key", "missing", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "Bonjour."})
	if err == nil || !strings.Contains(err.Error(), "voice_not_found") {
		t.Errorf("err = %v, want detail in message", err)
	}
}

func TestSynthesize_Validation(t *testing.T) {
	p, _ := New("key", "")
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "Bonjour."}); err == nil {
		t.Error("expected error without a voice")
	}
	p.SetVoice("v")
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: " "}); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

// ---- Voice list response parsing ----

func TestParseVoicesResponse_Success(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{
				"voice_id": "abc123",
				"name": "Rachel",
				"category": "premade",
				"labels": {"gender": "female", "accent": "american"}
			},
			{
				"voice_id": "def456",
				"name": "Adam",
				"category": "premade",
				"labels": {"gender": "male"}
			}
		]
	}`)

	voices, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("expected 2 voices, got %d", len(voices))
	}

	rachel := voices[0]
	if rachel.ID != "abc123" {
		t.Errorf("expected ID 'abc123', got %q", rachel.ID)
	}
	if rachel.Name != "Rachel" {
		t.Errorf("expected Name 'Rachel', got %q", rachel.Name)
	}
	if rachel.Category != "premade" {
		t.Errorf("expected category 'premade', got %q", rachel.Category)
	}
	if rachel.Labels["gender"] != "female" {
		t.Errorf("expected gender 'female', got %q", rachel.Labels["gender"])
	}
	if voices[1].ID != "def456" {
		t.Errorf("expected ID 'def456', got %q", voices[1].ID)
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	_, err := parseVoicesResponse([]byte(`{invalid`))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"voices":[{"voice_id":"x1","name":"Claire"}]}`)
	}))
	defer srv.Close()

	p, _ := New("key", "", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "x1" {
		t.Errorf("voices = %+v", voices)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("", "v")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", "v", WithModel("eleven_flash_v2_5"), WithOutputFormat("mp3_22050_32"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_flash_v2_5" {
		t.Errorf("expected model 'eleven_flash_v2_5', got %q", p.model)
	}
	if p.outputFormat != "mp3_22050_32" {
		t.Errorf("expected outputFormat 'mp3_22050_32', got %q", p.outputFormat)
	}
	if p.Voice() != "v" {
		t.Errorf("Voice() = %q", p.Voice())
	}
}
