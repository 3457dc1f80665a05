// Package app wires all parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the pipeline from the
// config and the providers created by main, Run drives the conversation loop
// and the admin HTTP server, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithMetrics, etc.) and pass mock providers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/respond"
	"github.com/MrWong99/parley/internal/speak"
	"github.com/MrWong99/parley/internal/transcribe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/memory/postgres"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/types"
)

// DisabledListenAddr turns the admin HTTP server off.
const DisabledListenAddr = "-"

// Providers holds one value per collaborator slot. Populated by main.go via
// the config registry; every field is required.
type Providers struct {
	Capture  audio.SourceOpener
	Playback audio.Sink
	VAD      vad.Engine
	STT      stt.Provider
	LLM      llm.Provider
	TTS      tts.Provider
}

func (p *Providers) validate() error {
	if p == nil {
		return errors.New("providers must not be nil")
	}
	var errs []error
	if p.Capture == nil {
		errs = append(errs, errors.New("capture provider is required"))
	}
	if p.Playback == nil {
		errs = append(errs, errors.New("playback provider is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("vad provider is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	return errors.Join(errs...)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	store     memory.SessionStore
	storePing func(context.Context) error

	transcriber *transcribe.Transcriber
	responder   *respond.Responder
	orch        *conversation.Orchestrator
	session     *Session

	handler  http.Handler
	server   *http.Server
	mu       sync.Mutex
	listener net.Listener

	// closers run in reverse order during Shutdown, after the orchestrator
	// has closed its collaborators.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a history store instead of creating one from config.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets hot reload change the level of the handler behind the
// logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. On error everything
// New built is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.build(ctx); err != nil {
		a.abort()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Pipeline collaborators ────────────────────────────────────────
	if err := a.initPipeline(ctx); err != nil {
		return fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()
	return nil
}

// initHistory connects the Postgres store when a DSN is configured and falls
// back to an in-memory store otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
			a.storePing = p.Ping
		}
		return nil
	}

	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		ms := memory.NewMemStore()
		a.store = ms
		a.closers = append(a.closers, ms.Close)
		a.log.Info("history kept in memory")
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.storePing = store.Ping
	a.closers = append(a.closers, store.Close)
	a.log.Info("history persisted to postgres")
	return nil
}

func (a *App) initPipeline(ctx context.Context) error {
	cfg := a.cfg
	p := a.providers

	sessionID := cfg.History.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	log := a.log.With("session_id", sessionID)

	speechOpts := stt.Options{
		Language: cfg.Persona.Language,
		Keywords: keywordBoosts(cfg.Persona.Vocabulary),
	}
	tr, err := transcribe.New(p.STT,
		transcribe.WithLogger(log),
		transcribe.WithCleaner(transcript.New(transcript.WithVocabulary(cfg.Persona.Vocabulary))),
		transcribe.WithOptions(speechOpts),
		transcribe.WithMetrics(a.metrics),
		transcribe.WithName(cfg.Providers.STT.Name),
	)
	if err != nil {
		return err
	}
	a.transcriber = tr

	rs, err := respond.New(p.LLM,
		respond.WithLogger(log),
		respond.WithPersona(respond.Persona{
			Name:         cfg.Persona.Name,
			SystemPrompt: cfg.Persona.SystemPrompt,
			Temperature:  cfg.Persona.Temperature,
			MaxTokens:    cfg.Persona.MaxTokens,
		}),
		respond.WithStore(a.store),
		respond.WithSessionID(sessionID),
		respond.WithHistoryTurns(cfg.Persona.HistoryTurns),
		respond.WithMetrics(a.metrics),
		respond.WithName(cfg.Providers.LLM.Name),
	)
	if err != nil {
		_ = tr.Close()
		return err
	}
	a.responder = rs
	if err := rs.Resume(ctx); err != nil {
		log.Warn("could not resume history, starting fresh", "err", err)
	}

	sp, err := speak.New(p.TTS, p.Playback,
		speak.WithLogger(log),
		speak.WithVoice(types.VoiceProfile{ID: cfg.Persona.Voice, Provider: cfg.Providers.TTS.Name}),
		speak.WithMetrics(a.metrics),
		speak.WithName(cfg.Providers.TTS.Name),
	)
	if err != nil {
		_ = tr.Close()
		_ = rs.Close()
		return err
	}

	dev, err := capture.New(p.Capture,
		audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels},
		cfg.Audio.FrameMs,
		capture.WithLogger(log),
	)
	if err != nil {
		_ = tr.Close()
		_ = rs.Close()
		_ = sp.Close()
		return err
	}

	a.session = newSession(sessionID, cfg.Persona.Name)
	orch, err := conversation.New(conversation.Config{
		VAD:               cfg.VADConfig(),
		Segmenter:         cfg.SegmenterConfig(),
		TranscribeTimeout: cfg.Timeouts.Transcribe,
		GenerateTimeout:   cfg.Timeouts.Generate,
		SpeakTimeout:      cfg.Timeouts.Speak,
		DeviceBackoff: resilience.Backoff{
			Base: cfg.Timeouts.DeviceBackoff,
			Max:  cfg.Timeouts.DeviceBackoffMax,
		},
		MaxDeviceRetries: cfg.Timeouts.DeviceRetries,
	}, conversation.Deps{
		Capture:     dev,
		VAD:         p.VAD,
		Transcriber: tr,
		Responder:   rs,
		Speaker:     sp,
	},
		conversation.WithLogger(log),
		conversation.WithMetrics(a.metrics),
		conversation.WithObserver(a.session.observe),
	)
	if err != nil {
		_ = tr.Close()
		_ = rs.Close()
		_ = sp.Close()
		_ = dev.Close()
		return err
	}
	a.orch = orch
	a.session.orch = orch
	return nil
}

func (a *App) initHTTP() {
	checkers := []health.Checker{{Name: "capture", Check: a.orch.Ready}}
	if a.storePing != nil {
		checkers = append(checkers, health.Checker{Name: "history", Check: a.storePing})
	}

	mux := http.NewServeMux()
	health.New(checkers).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.Handle("GET /session", a.session)
	a.handler = observe.Middleware(a.metrics, a.log)(mux)

	if a.cfg.Server.ListenAddr != DisabledListenAddr {
		a.server = &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
}

// abort releases what a failed New managed to create.
func (a *App) abort() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler is the admin HTTP surface: /healthz, /readyz, /metrics, /session.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator exposes the conversation loop, mainly for tests.
func (a *App) Orchestrator() *conversation.Orchestrator { return a.orch }

// Session reports the running session.
func (a *App) Session() *Session { return a.session }

// Addr is the bound admin address once Run has started listening, or "".
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the conversation loop and the admin server and blocks until ctx
// is cancelled, Shutdown is called or either of them fails. A loop stopped by
// Shutdown returns nil; a cancelled ctx returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	var ln net.Listener
	if a.server != nil {
		var err error
		if ln, err = net.Listen("tcp", a.server.Addr); err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
		a.mu.Lock()
		a.listener = ln
		a.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The loop ending for any reason stops the server too.
		defer cancel()
		return a.orch.Run(gctx)
	})
	if a.server != nil {
		g.Go(func() error {
			a.log.Info("admin server listening", "addr", ln.Addr().String())
			if err := a.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	a.log.Info("app running",
		"persona", a.cfg.Persona.Name,
		"stt", a.cfg.Providers.STT.Name,
		"llm", a.cfg.Providers.LLM.Name,
		"tts", a.cfg.Providers.TTS.Name,
	)
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new and logs
// the sections that need a restart. It is the [config.Watcher] callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LanguageChanged || d.VocabularyChanged {
		err := a.transcriber.UpdateConfig(stt.Options{
			Language: new.Persona.Language,
			Keywords: keywordBoosts(new.Persona.Vocabulary),
		})
		if err != nil {
			a.log.Warn("could not apply recognition settings", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the loop, closes every collaborator and the history store,
// and stops the admin server. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if err := a.orch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("admin server: %w", err))
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
		a.log.Info("app stopped")
	})
	return a.stopErr
}

func keywordBoosts(terms []string) []types.KeywordBoost {
	if len(terms) == 0 {
		return nil
	}
	out := make([]types.KeywordBoost, 0, len(terms))
	for _, t := range terms {
		out = append(out, types.KeywordBoost{Keyword: t, Boost: 1})
	}
	return out
}
