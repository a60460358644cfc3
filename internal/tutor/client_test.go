package tutor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/internal/history"
)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithUserID("user_42"), WithTokenSource(auth.StaticToken("tok"))}, opts...)
	c, err := New(srv.URL, srv.URL+"/", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestNew_RequiresURLs(t *testing.T) {
	t.Parallel()
	if _, err := New("", "http://api"); err == nil {
		t.Error("expected error for empty chat URL")
	}
	if _, err := New("http://chat", ""); err == nil {
		t.Error("expected error for empty API URL")
	}
}

func TestNewSession(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/new_session" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "abc"})
	}))
	id, err := c.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if id != "abc" {
		t.Errorf("id = %q, want abc", id)
	}
}

func TestNewSession_FallsBackToLocalID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"missing id", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.handler)
			id, err := c.NewSession(context.Background())
			if err != nil {
				t.Fatalf("NewSession: %v", err)
			}
			if !strings.HasPrefix(id, "session_") || len(id) <= len("session_") {
				t.Errorf("id = %q, want local session_<uuid>", id)
			}
		})
	}
}

func TestUnauthorizedIsReportedEverywhere(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	ctx := context.Background()

	_, err := c.NewSession(ctx)
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("NewSession err = %v", err)
	}
	_, err = c.Chat(ctx, ChatRequest{SessionID: "s", Message: "m"})
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("Chat err = %v", err)
	}
	_, err = c.FetchAudio(ctx, "m1")
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("FetchAudio err = %v", err)
	}
	err = c.SaveConversation(ctx, history.Record{SessionID: "s"})
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("SaveConversation err = %v", err)
	}
	_, err = c.Login(ctx, "a", "b")
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("Login err = %v", err)
	}
	_, err = c.TranscribeFile(ctx, "a.webm", []byte{1})
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("TranscribeFile err = %v", err)
	}
}

func TestChat_MultipartAndStream(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/math_chat" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		for k, want := range map[string]string{"session_id": "s1", "message": "2+2 ?", "user_id": "user_42"} {
			if got := r.FormValue(k); got != want {
				t.Errorf("%s = %q, want %q", k, got, want)
			}
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		if hdr.Filename != "exo.png" {
			t.Errorf("filename = %q", hdr.Filename)
		}

		flusher := w.(http.Flusher)
		for _, chunk := range []string{"Deux plus ", "deux font 4. Bravo", " !"} {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))

	body, err := c.Chat(context.Background(), ChatRequest{
		SessionID: "s1",
		Message:   "2+2 ?",
		Image:     &Image{Filename: "/tmp/exo.png", Data: []byte{0x89, 'P', 'N', 'G'}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer body.Close()

	var got []string
	if err := Sentences(body, func(s string) error {
		got = append(got, s)
		return nil
	}); err != nil {
		t.Fatalf("Sentences: %v", err)
	}
	want := []string{"Deux plus deux font 4.", " Bravo !"}
	if !slices.Equal(got, want) {
		t.Errorf("sentences = %q, want %q", got, want)
	}
}

func TestChat_StatusError(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	_, err := c.Chat(context.Background(), ChatRequest{Message: "x"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable || se.Body != "model overloaded" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestFetchAudio(t *testing.T) {
	t.Parallel()
	var srvURL string
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/get_presigned_urls":
			var in presignedRequest
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Errorf("decode: %v", err)
			}
			want := presignedRequest{UserID: "user_42", MessageID: "m1_0", Region: "eu-west-3", Type: "audio"}
			if in != want {
				t.Errorf("request = %+v, want %+v", in, want)
			}
			_ = json.NewEncoder(w).Encode(presignedResponse{AudioURLs: []string{
				srvURL + "/blob/a?sig=1",
				srvURL + "/blob/b?sig=2",
			}})
		case "/blob/a":
			if r.Header.Get("Authorization") != "" {
				t.Error("presigned download carried a bearer token")
			}
			_, _ = io.WriteString(w, "AAA")
		case "/blob/b":
			_, _ = io.WriteString(w, "BB")
		default:
			http.NotFound(w, r)
		}
	}))
	srvURL = srv.URL

	got, err := c.Fetch(context.Background(), "m1_0")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "AAA" || string(got[1]) != "BB" {
		t.Errorf("payloads = %q", got)
	}
}

func TestFetchAudio_SkipsFailedDownload(t *testing.T) {
	t.Parallel()
	var srvURL string
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/get_presigned_urls":
			_ = json.NewEncoder(w).Encode(presignedResponse{AudioURLs: []string{
				srvURL + "/blob/expired?sig=1",
				srvURL + "/blob/b?sig=2",
			}})
		case "/blob/expired":
			http.Error(w, "AccessDenied", http.StatusForbidden)
		case "/blob/b":
			_, _ = io.WriteString(w, "BB")
		default:
			http.NotFound(w, r)
		}
	}))
	srvURL = srv.URL

	got, err := c.FetchAudio(context.Background(), "m1_0")
	if err != nil {
		t.Fatalf("FetchAudio: %v", err)
	}
	if len(got) != 2 || got[0] != nil || string(got[1]) != "BB" {
		t.Errorf("payloads = %q, want [nil BB]", got)
	}
}

func TestSaveConversation(t *testing.T) {
	t.Parallel()
	recv := make(chan saveHistoryRequest, 1)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/save_chat_history" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var in saveHistoryRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		recv <- in
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))

	ts := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	err := c.Save(context.Background(), history.Record{
		SessionID:   "s1",
		UserMessage: "combien font 3 x 3 ?",
		BotMessage:  "9.",
		MessageIDs:  []string{"m_0"},
		Timestamp:   ts,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	in := <-recv
	if in.UserID != "user_42" || in.SessionID != "s1" || in.BotMessage != "9." {
		t.Errorf("request = %+v", in)
	}
	if in.Timestamp != "2024-02-03T04:05:06Z" {
		t.Errorf("timestamp = %q", in.Timestamp)
	}
	if !slices.Equal(in.AudioIDs, []string{"m_0"}) {
		t.Errorf("audio ids = %v", in.AudioIDs)
	}
}

func TestLogin(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/login" {
			http.NotFound(w, r)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("login request carried a bearer token")
		}
		if r.FormValue("username") != "eleve@example.com" || r.FormValue("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"jwt","token_type":"bearer"}`)
	}))

	tok, err := c.Login(context.Background(), "eleve@example.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok.AccessToken != "jwt" || tok.TokenType != "bearer" {
		t.Errorf("token = %+v", tok)
	}
	if _, err := c.Login(context.Background(), "eleve@example.com", "wrong"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("wrong password err = %v", err)
	}
}

func TestTranscribeFile(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/manual_audio" {
			http.NotFound(w, r)
			return
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "clip.wav" || string(data) != "RIFF" {
			t.Errorf("upload = %q %q", hdr.Filename, data)
		}
		_, _ = io.WriteString(w, `{"transcription":"bonjour"}`)
	}))
	got, err := c.TranscribeFile(context.Background(), "clip.wav", []byte("RIFF"))
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if got != "bonjour" {
		t.Errorf("got %q", got)
	}
}
