package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/discord"
	"github.com/MrWong99/parley/pkg/audio/wavfile"
	"github.com/MrWong99/parley/pkg/audio/wsbridge"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/coqui"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages. Discord capture and playback share
// voice.
func registerBuiltinProviders(reg *config.Registry, voice *discordVoice) {
	registerDevices(reg, voice)

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.Engine{}, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai goes through the official SDK so base_url can point at any
	// OpenAI-compatible server; the rest share the any-llm-go pattern of an
	// optional APIKey plus optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := entry.OptDuration("timeout", 0); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		if n := entry.OptInt("max_retries", -1); n >= 0 {
			opts = append(opts, oaillm.WithMaxRetries(n))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptString("model_path")
		}
		opts := []whisper.NativeOption{whisper.WithNativeLogger(slog.Default())}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{elevenlabs.WithLogger(slog.Default())}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := entry.OptDuration("timeout", 0); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"capture", "playback", "vad", "stt", "llm", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// ── Devices ───────────────────────────────────────────────────────────────────

func registerDevices(reg *config.Registry, voice *discordVoice) {
	reg.RegisterCapture("wav", func(entry config.ProviderEntry, spec config.DeviceSpec) (audio.SourceOpener, error) {
		path := entry.OptString("path")
		if path == "" {
			return nil, errors.New("wav capture: options.path is required")
		}
		opts := []wavfile.SourceOption{
			wavfile.WithRealtime(entry.OptBool("realtime", true)),
			wavfile.WithTrailingSilence(entry.OptDuration("trailing_silence", 0)),
		}
		return func(context.Context) (audio.Source, error) {
			return wavfile.OpenSource(path, spec.FrameMs, opts...)
		}, nil
	})

	reg.RegisterCapture("websocket", func(entry config.ProviderEntry, spec config.DeviceSpec) (audio.SourceOpener, error) {
		if entry.BaseURL == "" {
			return nil, errors.New("websocket capture: base_url is required")
		}
		f := deviceFormat(entry, spec.Format)
		opts := bridgeOptions(entry)
		return func(ctx context.Context) (audio.Source, error) {
			return wsbridge.DialSource(ctx, entry.BaseURL, f, spec.FrameMs, opts...)
		}, nil
	})

	reg.RegisterCapture("discord", func(entry config.ProviderEntry, _ config.DeviceSpec) (audio.SourceOpener, error) {
		if err := voice.configure(entry); err != nil {
			return nil, err
		}
		return func(context.Context) (audio.Source, error) {
			dev, err := voice.device()
			if err != nil {
				return nil, err
			}
			return dev.Source()
		}, nil
	})

	reg.RegisterPlayback("wav", func(entry config.ProviderEntry, spec config.DeviceSpec) (audio.Sink, error) {
		path := entry.OptString("path")
		if path == "" {
			return nil, errors.New("wav playback: options.path is required")
		}
		return wavfile.CreateSink(path, deviceFormat(entry, spec.Format))
	})

	reg.RegisterPlayback("websocket", func(entry config.ProviderEntry, spec config.DeviceSpec) (audio.Sink, error) {
		if entry.BaseURL == "" {
			return nil, errors.New("websocket playback: base_url is required")
		}
		return wsbridge.NewSink(entry.BaseURL, deviceFormat(entry, spec.Format), bridgeOptions(entry)...), nil
	})

	reg.RegisterPlayback("discord", func(entry config.ProviderEntry, _ config.DeviceSpec) (audio.Sink, error) {
		if err := voice.configure(entry); err != nil {
			return nil, err
		}
		dev, err := voice.device()
		if err != nil {
			return nil, err
		}
		return dev.Sink()
	})

	reg.RegisterPlayback("discard", func(entry config.ProviderEntry, spec config.DeviceSpec) (audio.Sink, error) {
		return audio.NewDiscardSink(deviceFormat(entry, spec.Format)), nil
	})
}

// deviceFormat applies the sample_rate and channels options over def.
func deviceFormat(entry config.ProviderEntry, def audio.Format) audio.Format {
	return audio.Format{
		SampleRate: entry.OptInt("sample_rate", def.SampleRate),
		Channels:   entry.OptInt("channels", def.Channels),
	}
}

func bridgeOptions(entry config.ProviderEntry) []wsbridge.Option {
	opts := []wsbridge.Option{wsbridge.WithLogger(slog.Default())}
	if entry.APIKey != "" {
		opts = append(opts, wsbridge.WithHeader(http.Header{"Authorization": {"Bearer " + entry.APIKey}}))
	}
	if n := entry.OptInt("buffer", 0); n > 0 {
		opts = append(opts, wsbridge.WithBuffer(n))
	}
	return opts
}

// discordVoice joins one Discord voice channel on first use and shares it
// between the capture and playback devices.
type discordVoice struct {
	mu      sync.Mutex
	entry   *config.ProviderEntry
	session *discordgo.Session
	dev     *discord.Device
}

// configure records the connection settings. Capture and playback may both
// name discord; the first entry with a token wins.
func (v *discordVoice) configure(entry config.ProviderEntry) error {
	if entry.APIKey == "" {
		return errors.New("discord: api_key (bot token) is required")
	}
	if entry.OptString("guild_id") == "" || entry.OptString("channel_id") == "" {
		return errors.New("discord: options.guild_id and options.channel_id are required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.entry == nil {
		v.entry = &entry
	}
	return nil
}

func (v *discordVoice) device() (*discord.Device, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dev != nil {
		return v.dev, nil
	}
	if v.entry == nil {
		return nil, errors.New("discord: not configured")
	}

	if v.session == nil {
		s, err := discordgo.New("Bot " + v.entry.APIKey)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := s.Open(); err != nil {
			return nil, fmt.Errorf("discord: open session: %w", err)
		}
		v.session = s
	}

	dev, err := discord.Join(v.session, v.entry.OptString("guild_id"), v.entry.OptString("channel_id"),
		discord.WithSpeaker(v.entry.OptString("speaker_id")),
		discord.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, err
	}
	v.dev = dev
	slog.Info("discord voice joined", "guild_id", v.entry.OptString("guild_id"), "channel_id", v.entry.OptString("channel_id"))
	return dev, nil
}

// Close leaves the voice channel and closes the session.
func (v *discordVoice) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dev != nil {
		if err := v.dev.Close(); err != nil {
			slog.Warn("discord leave error", "err", err)
		}
		v.dev = nil
	}
	if v.session != nil {
		if err := v.session.Close(); err != nil {
			slog.Warn("discord session close error", "err", err)
		}
		v.session = nil
	}
}

// ── Building ──────────────────────────────────────────────────────────────────

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. STT and LLM are wrapped in failover groups when fallbacks are
// configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	spec := config.DeviceSpec{
		Format:  audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels},
		FrameMs: cfg.Audio.FrameMs,
	}
	pc := cfg.Providers

	var err error
	if ps.Capture, err = reg.CreateCapture(pc.Capture, spec); err != nil {
		return nil, fmt.Errorf("create capture device %q: %w", pc.Capture.Name, err)
	}
	if ps.Playback, err = reg.CreatePlayback(pc.Playback, spec); err != nil {
		return nil, fmt.Errorf("create playback device %q: %w", pc.Playback.Name, err)
	}
	if ps.VAD, err = reg.CreateVAD(pc.VAD); err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", pc.VAD.Name, err)
	}

	primarySTT, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", pc.STT.Name, err)
	}
	ps.STT = primarySTT
	if len(pc.STTFallbacks) > 0 {
		group := resilience.NewSTTFallback(primarySTT, pc.STT.Name, resilience.FallbackConfig{})
		for _, e := range pc.STTFallbacks {
			p, err := reg.CreateSTT(e)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, p)
		}
		ps.STT = group
	}

	primaryLLM, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", pc.LLM.Name, err)
	}
	ps.LLM = primaryLLM
	if len(pc.LLMFallbacks) > 0 {
		group := resilience.NewLLMFallback(primaryLLM, pc.LLM.Name, resilience.FallbackConfig{})
		for _, e := range pc.LLMFallbacks {
			p, err := reg.CreateLLM(e)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, p)
		}
		ps.LLM = group
	}

	if ps.TTS, err = reg.CreateTTS(pc.TTS); err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", pc.TTS.Name, err)
	}

	for kind, e := range map[string]config.ProviderEntry{
		"capture": pc.Capture, "playback": pc.Playback, "vad": pc.VAD,
		"stt": pc.STT, "llm": pc.LLM, "tts": pc.TTS,
	} {
		slog.Info("provider created", "kind", kind, "name", e.Name)
	}
	return ps, nil
}
