package tutor_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/pkg/provider/tts"
	"github.com/MrWong99/mathvox/pkg/provider/tts/tutor"
)

func TestNew_EmptyBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := tutor.New(""); err == nil {
		t.Fatal("expected error for empty baseURL")
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		voice    tutor.Voice
		wantPath string
	}{
		{"default voice", tutor.VoiceDefault, "/api/synthesize_audio"},
		{"openai voice", tutor.VoiceOpenAI, "/api/synthesize_audio_openai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var (
				gotPath string
				gotAuth string
				gotBody map[string]string
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.Header().Set("Content-Type", "audio/mpeg")
				w.Write([]byte("ID3audio"))
			}))
			t.Cleanup(srv.Close)

			p, err := tutor.New(srv.URL+"/",
				tutor.WithVoice(tt.voice),
				tutor.WithTokenSource(auth.StaticToken("tok")),
			)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			data, err := p.Synthesize(t.Context(), tts.Request{Text: "Four.", UserID: "u1", MessageID: "m1_0"})
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if string(data) != "ID3audio" {
				t.Errorf("data = %q", data)
			}
			if gotPath != tt.wantPath {
				t.Errorf("path = %q, want %q", gotPath, tt.wantPath)
			}
			if gotAuth != "Bearer tok" {
				t.Errorf("Authorization = %q", gotAuth)
			}
			if gotBody["text"] != "Four." || gotBody["user_id"] != "u1" || gotBody["message_id"] != "m1_0" {
				t.Errorf("body = %v", gotBody)
			}
		})
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		wantAuth bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantAuth: true},
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "empty audio", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			p, err := tutor.New(srv.URL)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = p.Synthesize(t.Context(), tts.Request{Text: "Four."})
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, auth.ErrUnauthorized); got != tt.wantAuth {
				t.Errorf("errors.Is(ErrUnauthorized) = %v, want %v (err: %v)", got, tt.wantAuth, err)
			}
		})
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	p, err := tutor.New("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(t.Context(), tts.Request{Text: "  "}); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}
