package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transcription": {"tutor", "deepgram"},
	"tts":           {"tutor", "tutor-openai", "openai", "elevenlabs"},
	"history":       {"tutor", "postgres", "none"},
}

// envRef matches ${NAME} references.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = ExpandEnv(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in data with the value of the environment
// variable NAME. Unset variables expand to the empty string. A bare $ is
// left alone.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Tutor
	errs = appendURLError(errs, "tutor.chat_url", cfg.Tutor.ChatURL, "http", "https")
	errs = appendURLError(errs, "tutor.api_url", cfg.Tutor.APIURL, "http", "https")
	if cfg.Tutor.UserID == "" {
		errs = append(errs, errors.New("tutor.user_id is required"))
	}
	if cfg.Tutor.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("tutor.request_timeout %v must not be negative", cfg.Tutor.RequestTimeout))
	}
	if cfg.Tutor.Token == "" && cfg.Tutor.TokenFile == "" {
		slog.Warn("neither tutor.token nor tutor.token_file is set; requests will be sent without credentials")
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 0 || a.DeviceSampleRate < 0 || a.PlaybackRate < 0 {
		errs = append(errs, errors.New("audio sample rates must not be negative"))
	}
	if a.Channels != 0 && a.Channels != 1 && a.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", a.Channels))
	}
	if a.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", a.FrameSize))
	}
	if a.Gate.Threshold < 0 || a.Gate.Threshold > 1 {
		errs = append(errs, fmt.Errorf("audio.gate.threshold %.3f is out of range [0, 1]", a.Gate.Threshold))
	}
	if a.Gate.SilenceDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.gate.silence_duration %v must not be negative", a.Gate.SilenceDuration))
	}

	// Transcription
	t := cfg.Transcription
	validateProviderName("transcription", t.Name)
	switch t.Name {
	case "tutor":
		errs = appendURLError(errs, "transcription.url", t.URL, "ws", "wss")
	case "deepgram":
		if t.APIKey == "" {
			errs = append(errs, errors.New("transcription.api_key is required for deepgram"))
		}
	}
	if t.UtteranceTimeout < 0 || t.ReconnectBackoff < 0 {
		errs = append(errs, errors.New("transcription durations must not be negative"))
	}
	if t.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_reconnect_attempts %d must not be negative", t.MaxReconnectAttempts))
	}

	// TTS
	if cfg.TTS.MinSentenceLength < 0 {
		errs = append(errs, fmt.Errorf("tts.min_sentence_length %d must not be negative", cfg.TTS.MinSentenceLength))
	}
	entries := append([]ProviderEntry{cfg.TTS.Primary}, cfg.TTS.Fallbacks...)
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		prefix := "tts.primary"
		if i > 0 {
			prefix = fmt.Sprintf("tts.fallbacks[%d]", i-1)
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates entry %d", prefix, e.Name, prev))
		}
		seen[e.Name] = i
		validateProviderName("tts", e.Name)
		switch e.Name {
		case "openai":
			if e.APIKey == "" {
				errs = append(errs, fmt.Errorf("%s.api_key is required for openai", prefix))
			}
		case "elevenlabs":
			if e.APIKey == "" {
				errs = append(errs, fmt.Errorf("%s.api_key is required for elevenlabs", prefix))
			}
			if e.Voice == "" {
				errs = append(errs, fmt.Errorf("%s.voice is required for elevenlabs", prefix))
			}
		}
	}

	// History
	validateProviderName("history", cfg.History.Name)
	if cfg.History.Name == "postgres" && cfg.History.PostgresDSN == "" {
		errs = append(errs, errors.New("history.postgres_dsn is required for the postgres sink"))
	}
	if cfg.History.SaveTimeout < 0 {
		errs = append(errs, fmt.Errorf("history.save_timeout %v must not be negative", cfg.History.SaveTimeout))
	}

	return errors.Join(errs...)
}

// appendURLError appends an error when raw is not an absolute URL with one of
// the given schemes.
func appendURLError(errs []error, field, raw string, schemes ...string) []error {
	if raw == "" {
		return append(errs, fmt.Errorf("%s is required", field))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return append(errs, fmt.Errorf("%s %q is invalid: %w", field, raw, err))
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return append(errs, fmt.Errorf("%s %q must be an absolute %v URL", field, raw, schemes))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
