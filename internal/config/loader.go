package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"capture":  {"wav", "websocket", "discord"},
	"playback": {"wav", "websocket", "discord", "discard"},
	"vad":      {"energy"},
	"stt":      {"deepgram", "whisper", "whisper-native"},
	"llm":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":      {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
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

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing every
// failure. Unknown provider names only produce warnings.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio and segmenter are checked by the components that consume them so
	// the messages match what those components enforce.
	if err := cfg.VADConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if cfg.Audio.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; the pipeline is mono", cfg.Audio.Channels))
	}
	if cfg.Segmenter.MinUtteranceMs < 0 || cfg.Segmenter.MaxUtteranceMs < 0 {
		errs = append(errs, errors.New("segmenter: utterance lengths must not be negative"))
	} else if err := cfg.SegmenterConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segmenter: %w", err))
	}

	// Timeouts
	t := cfg.Timeouts
	for name, d := range map[string]int64{
		"timeouts.transcribe":         int64(t.Transcribe),
		"timeouts.generate":           int64(t.Generate),
		"timeouts.speak":              int64(t.Speak),
		"timeouts.device_backoff":     int64(t.DeviceBackoff),
		"timeouts.device_backoff_max": int64(t.DeviceBackoffMax),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if t.DeviceBackoffMax > 0 && t.DeviceBackoffMax < t.DeviceBackoff {
		errs = append(errs, fmt.Errorf("timeouts.device_backoff_max %v is shorter than device_backoff %v", t.DeviceBackoffMax, t.DeviceBackoff))
	}
	if t.DeviceRetries < 0 {
		errs = append(errs, fmt.Errorf("timeouts.device_retries %d must not be negative", t.DeviceRetries))
	}

	// Providers
	p := cfg.Providers
	required := []struct {
		kind  string
		entry ProviderEntry
	}{
		{"capture", p.Capture},
		{"playback", p.Playback},
		{"vad", p.VAD},
		{"stt", p.STT},
		{"llm", p.LLM},
		{"tts", p.TTS},
	}
	for _, r := range required {
		if r.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", r.kind))
			continue
		}
		validateProviderName(r.kind, r.entry.Name)
	}
	for i, e := range p.STTFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", e.Name)
	}
	for i, e := range p.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", e.Name)
	}

	// Persona
	if cfg.Persona.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("persona.history_turns %d must not be negative", cfg.Persona.HistoryTurns))
	}
	if cfg.Persona.Temperature < 0 || cfg.Persona.Temperature > 2 {
		errs = append(errs, fmt.Errorf("persona.temperature %.2f is out of range [0, 2]", cfg.Persona.Temperature))
	}
	if cfg.Persona.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("persona.max_tokens %d must not be negative", cfg.Persona.MaxTokens))
	}
	if cfg.Persona.SystemPrompt == "" {
		slog.Warn("persona.system_prompt is empty; replies will use the model's default behaviour")
	}

	// History
	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; conversation history will not survive a restart")
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
