package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/internal/config"
	"github.com/MrWong99/mathvox/internal/history"
	"github.com/MrWong99/mathvox/internal/history/postgres"
	"github.com/MrWong99/mathvox/internal/transport"
	"github.com/MrWong99/mathvox/internal/tutor"
	"github.com/MrWong99/mathvox/pkg/provider/stt"
	"github.com/MrWong99/mathvox/pkg/provider/stt/deepgram"
	"github.com/MrWong99/mathvox/pkg/provider/tts"
	"github.com/MrWong99/mathvox/pkg/provider/tts/elevenlabs"
	openaitts "github.com/MrWong99/mathvox/pkg/provider/tts/openai"
	tutortts "github.com/MrWong99/mathvox/pkg/provider/tts/tutor"
)

// builtins carries what the built-in factories need besides their config
// section.
type builtins struct {
	ctx        context.Context
	client     *tutor.Client
	tokens     auth.TokenSource
	sampleRate int
}

// registerBuiltins registers every provider shipped with mathvox.
//
// TTS: "tutor", "tutor-openai", "openai", "elevenlabs".
// Transcription: "tutor", "deepgram".
// History: "tutor", "postgres", "none".
func registerBuiltins(reg *config.Registry, b builtins) {
	reg.RegisterTTS("tutor", func(e config.ProviderEntry) (tts.Provider, error) {
		return tutortts.New(baseURLOr(e.BaseURL, b.client.APIURL()), tutortts.WithTokenSource(b.tokens))
	})
	reg.RegisterTTS("tutor-openai", func(e config.ProviderEntry) (tts.Provider, error) {
		return tutortts.New(baseURLOr(e.BaseURL, b.client.APIURL()),
			tutortts.WithTokenSource(b.tokens),
			tutortts.WithVoice(tutortts.VoiceOpenAI),
		)
	})
	reg.RegisterTTS("openai", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []openaitts.Option
		if e.BaseURL != "" {
			opts = append(opts, openaitts.WithBaseURL(e.BaseURL))
		}
		if e.Voice != "" {
			opts = append(opts, openaitts.WithVoice(e.Voice))
		}
		if speed, ok := floatOption(e.Options, "speed"); ok {
			opts = append(opts, openaitts.WithSpeed(speed))
		}
		if d, ok := durationOption(e.Options, "timeout"); ok {
			opts = append(opts, openaitts.WithTimeout(d))
		}
		return openaitts.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f, ok := e.Options["output_format"].(string); ok && f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(e.APIKey, e.Voice, opts...)
	})

	reg.RegisterTranscription("tutor", func(c config.TranscriptionConfig) (stt.Endpoint, error) {
		if c.URL == "" {
			return stt.Endpoint{}, errors.New("tutor transcription: url must not be empty")
		}
		return stt.Endpoint{
			URL:           c.URL,
			Codec:         stt.JSONCodec{},
			Authorization: transport.BearerAuthorization(b.tokens),
		}, nil
	})
	reg.RegisterTranscription("deepgram", func(c config.TranscriptionConfig) (stt.Endpoint, error) {
		opts := []deepgram.Option{deepgram.WithSampleRate(b.sampleRate)}
		if c.Model != "" {
			opts = append(opts, deepgram.WithModel(c.Model))
		}
		if c.Language != "" {
			opts = append(opts, deepgram.WithLanguage(c.Language))
		}
		if c.URL != "" {
			opts = append(opts, deepgram.WithEndpoint(c.URL))
		}
		if len(c.Vocabulary) > 0 {
			kws := make([]stt.KeywordBoost, len(c.Vocabulary))
			for i, term := range c.Vocabulary {
				kws[i] = stt.KeywordBoost{Keyword: term, Boost: keywordBoost}
			}
			opts = append(opts, deepgram.WithKeywords(kws))
		}
		p, err := deepgram.New(c.APIKey, opts...)
		if err != nil {
			return stt.Endpoint{}, err
		}
		u, err := p.URL()
		if err != nil {
			return stt.Endpoint{}, err
		}
		header := p.AuthHeader()
		return stt.Endpoint{
			URL:   u,
			Codec: p.Codec(),
			Authorization: func(context.Context) (string, error) {
				return header, nil
			},
		}, nil
	})

	reg.RegisterHistory("tutor", func(config.HistoryConfig) (history.Sink, error) {
		return b.client, nil
	})
	reg.RegisterHistory("postgres", func(c config.HistoryConfig) (history.Sink, error) {
		return postgres.Open(b.ctx, c.PostgresDSN)
	})
	reg.RegisterHistory("none", func(config.HistoryConfig) (history.Sink, error) {
		return history.Discard, nil
	})
}

// keywordBoost is the intensifier sent for every vocabulary term.
const keywordBoost = 2

func baseURLOr(u, fallback string) string {
	if u != "" {
		return u
	}
	return fallback
}

// floatOption reads a numeric option. YAML decodes integers and floats into
// different types.
func floatOption(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func durationOption(opts map[string]any, key string) (time.Duration, bool) {
	s, ok := opts[key].(string)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// tokenSource picks the credential source for the tutor services: an
// explicit token wins over the token file.
func tokenSource(cfg config.TutorConfig) auth.TokenSource {
	switch {
	case cfg.Token != "":
		return auth.StaticToken(cfg.Token)
	case cfg.TokenFile != "":
		return &auth.FileStore{Path: cfg.TokenFile}
	default:
		return auth.StaticToken("")
	}
}

// Login exchanges credentials for a token and stores it in the configured
// token file.
func Login(ctx context.Context, cfg *config.Config, username, password string) error {
	if cfg.Tutor.TokenFile == "" {
		return errors.New("app: login: tutor.token_file is not configured")
	}
	client, err := tutor.New(cfg.Tutor.ChatURL, cfg.Tutor.APIURL,
		tutor.WithRegion(cfg.Tutor.Region),
		tutor.WithRequestTimeout(cfg.Tutor.RequestTimeout),
	)
	if err != nil {
		return fmt.Errorf("app: login: %w", err)
	}
	tok, err := client.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("app: login: %w", err)
	}
	store := &auth.FileStore{Path: cfg.Tutor.TokenFile}
	if err := store.Save(tok.AccessToken); err != nil {
		return fmt.Errorf("app: login: %w", err)
	}
	return nil
}
