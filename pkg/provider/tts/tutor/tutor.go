// Package tutor provides the TTS backend of the tutor API service. The
// service synthesises the sentence, stores the audio for later replay and
// returns it.
package tutor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultTimeout = 30 * time.Second
	maxAudioSize   = 16 << 20
)

// Voice selects the synthesis engine behind the service.
type Voice string

const (
	// VoiceDefault uses /api/synthesize_audio.
	VoiceDefault Voice = "default"
	// VoiceOpenAI uses /api/synthesize_audio_openai.
	VoiceOpenAI Voice = "openai"
)

func (v Voice) endpoint() string {
	if v == VoiceOpenAI {
		return "/api/synthesize_audio_openai"
	}
	return "/api/synthesize_audio"
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithVoice selects the service endpoint.
func WithVoice(v Voice) Option {
	return func(p *Provider) { p.voice = v }
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts auth.TokenSource) Option {
	return func(p *Provider) { p.tokens = ts }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.httpClient = hc }
}

// Provider implements tts.Provider against the tutor API service.
type Provider struct {
	baseURL    string
	voice      Voice
	tokens     auth.TokenSource
	httpClient *http.Client
}

// New creates a Provider for the API service at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("tutor tts: baseURL must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		voice:      VoiceDefault,
		tokens:     auth.StaticToken(""),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type synthesizeRequest struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, tts.ErrEmptyText
	}
	endpoint := p.voice.endpoint()
	body, err := json.Marshal(synthesizeRequest{Text: req.Text, UserID: req.UserID, MessageID: req.MessageID})
	if err != nil {
		return nil, fmt.Errorf("tutor tts: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tutor tts: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("tutor tts: token: %w", err)
	}
	if v := auth.Bearer(token); v != "" {
		httpReq.Header.Set("Authorization", v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tutor tts: POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("tutor tts: POST %s: %w", endpoint, auth.ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("tutor tts: POST %s returned status %d", endpoint, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioSize))
	if err != nil {
		return nil, fmt.Errorf("tutor tts: read audio: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("tutor tts: empty audio response")
	}
	return data, nil
}
