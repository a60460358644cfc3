// Package deepgram lets the client stream microphone audio straight to the
// Deepgram live transcription API instead of the tutor backend. It builds the
// streaming endpoint URL and decodes Deepgram's result messages into
// [stt.Event] values; the connection itself is owned by the transport.
package deepgram

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/mathvox/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "fr"
	defaultSampleRate = 16000
	keepAliveInterval = 8 * time.Second
)

// Compile-time interface assertions.
var (
	_ stt.Codec      = Codec{}
	_ stt.Finisher   = Codec{}
	_ stt.KeepAliver = Codec{}
)

// Option is a functional option for configuring the Deepgram [Provider].
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "fr", "en-US").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		if language != "" {
			p.language = language
		}
	}
}

// WithSampleRate sets the audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithKeywords adds recognition boosts for domain vocabulary.
func WithKeywords(kws []stt.KeywordBoost) Option {
	return func(p *Provider) {
		p.keywords = append(p.keywords, kws...)
	}
}

// WithEndpoint overrides the streaming endpoint. Intended for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider holds the Deepgram connection parameters.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
	keywords   []stt.KeywordBoost
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// AuthHeader returns the value of the Authorization header for the handshake.
func (p *Provider) AuthHeader() string { return "Token " + p.apiKey }

// Codec returns the message decoder for this provider.
func (p *Provider) Codec() Codec { return Codec{} }

// URL builds the streaming endpoint URL for mono linear16 audio.
func (p *Provider) URL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")

	for _, kw := range p.keywords {
		// Deepgram keyword format: word:boost (e.g., "hypoténuse:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Codec decodes Deepgram live-transcription messages.
type Codec struct{}

// Decode implements [stt.Codec]. Results without alternatives and non-result
// messages (Metadata, SpeechStarted, UtteranceEnd) decode to [stt.Unknown].
// A speech_final result with an empty transcript is kept because it still
// terminates the current utterance.
func (Codec) Decode(data []byte) (stt.Event, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &stt.ParseError{Reason: "invalid deepgram message", Err: err}
	}
	if resp.Type != "Results" {
		return stt.Unknown{Type: resp.Type}, nil
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Unknown{Type: resp.Type}, nil
	}

	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" && !resp.SpeechFinal {
		return stt.Unknown{Type: resp.Type}, nil
	}
	return stt.Transcription{
		Text:          alt.Transcript,
		IsFinal:       resp.IsFinal,
		IsSpeechFinal: resp.SpeechFinal,
		Confidence:    alt.Confidence,
	}, nil
}

// FinishMessage asks Deepgram to flush pending audio before the socket closes.
func (Codec) FinishMessage() []byte { return []byte(`{"type":"CloseStream"}`) }

// KeepAliveMessage keeps the stream open while the silence gate is closed.
func (Codec) KeepAliveMessage() []byte { return []byte(`{"type":"KeepAlive"}`) }

// KeepAliveInterval is below Deepgram's ten second idle timeout.
func (Codec) KeepAliveInterval() time.Duration { return keepAliveInterval }
