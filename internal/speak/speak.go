// Package speak synthesizes replies and plays them on the output device.
//
// A [Speaker] drives one reply at a time: text goes to a [tts.Provider], the
// PCM stream is paced onto an [audio.Sink] by a [player.Player], and
// [Speaker.StopNow] cuts both short. When StopNow returns no more audio of the
// interrupted reply reaches the sink.
package speak

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/player"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("speak: closed")

	// ErrStopped is returned by Speak when StopNow interrupted it.
	ErrStopped = errors.New("speak: stopped")
)

// Option configures a [Speaker].
type Option func(*Speaker)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) {
		s.log = l
	}
}

// WithVoice sets the voice passed to the provider.
func WithVoice(v types.VoiceProfile) Option {
	return func(s *Speaker) {
		s.voice = v
	}
}

// WithPlayerOptions configures the underlying player.
func WithPlayerOptions(opts ...player.Option) Option {
	return func(s *Speaker) {
		s.playerOpts = append(s.playerOpts, opts...)
	}
}

// WithMetrics records provider calls on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) {
		s.metrics = m
	}
}

// WithName sets the provider label used in logs and metrics. Default "tts".
func WithName(name string) Option {
	return func(s *Speaker) {
		s.name = name
	}
}

// Speaker is safe for concurrent use. Speak calls do not overlap: a second
// call while one is playing fails with [player.ErrBusy].
type Speaker struct {
	provider   tts.Provider
	sink       audio.Sink
	player     *player.Player
	playerOpts []player.Option
	voice      types.VoiceProfile
	name       string
	metrics    *observe.Metrics
	log        *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc // cancels the reply in flight
	stopped bool               // StopNow hit the reply in flight
	stops   int
	closed  bool
}

// New returns a Speaker that synthesizes with p and plays on sink. The
// Speaker owns sink and closes it in Close.
func New(p tts.Provider, sink audio.Sink, opts ...Option) (*Speaker, error) {
	if p == nil {
		return nil, errors.New("speak: provider must not be nil")
	}
	if sink == nil {
		return nil, errors.New("speak: sink must not be nil")
	}
	s := &Speaker{
		provider: p,
		sink:     sink,
		name:     "tts",
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.player = player.New(sink, s.playerOpts...)
	return s, nil
}

// Speak synthesizes text and blocks until it has been played, ctx is done or
// StopNow is called. Blank text returns at once.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.cancel, s.stopped = cancel, false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(ctx, "speak")
	defer span.End()
	span.SetAttributes(attribute.Int("chars", len(text)))

	start := time.Now()
	pcm, err := s.provider.SynthesizeStream(ctx, tts.Text(text), s.voice)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordProviderRequest(ctx, s.name, "tts", "error")
			s.metrics.RecordProviderError(ctx, s.name, "tts")
		}
		if s.wasStopped() {
			return ErrStopped
		}
		span.RecordError(err)
		return fmt.Errorf("speak: synthesize: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordProviderRequest(ctx, s.name, "tts", "ok")
	}

	err = s.player.Play(ctx, player.Segment{Audio: pcm, Format: s.provider.OutputFormat()})
	switch {
	case err == nil:
		observe.Logger(ctx, s.log).Debug("speak: done", "elapsed", time.Since(start))
		return nil
	case errors.Is(err, player.ErrStopped), s.wasStopped():
		return ErrStopped
	default:
		return fmt.Errorf("speak: %w", err)
	}
}

func (s *Speaker) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StopNow interrupts the reply in flight and returns once the player has
// stopped writing to the sink. It is safe to call at any time; when nothing
// is playing it does nothing.
func (s *Speaker) StopNow() {
	s.mu.Lock()
	s.stops++
	if s.cancel != nil {
		s.stopped = true
		s.cancel()
	}
	s.mu.Unlock()

	if s.player.Stop() {
		s.log.Debug("speak: playback stopped")
	}
}

// Stops reports how many times StopNow was called.
func (s *Speaker) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Voices lists the voices of the provider.
func (s *Speaker) Voices(ctx context.Context) ([]types.VoiceProfile, error) {
	v, err := s.provider.ListVoices(ctx)
	if err != nil {
		return nil, fmt.Errorf("speak: list voices: %w", err)
	}
	return v, nil
}

// Close stops playback and closes the sink. Close is idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if err := s.player.Close(); err != nil {
		return fmt.Errorf("speak: close player: %w", err)
	}
	if err := s.sink.Close(); err != nil {
		return fmt.Errorf("speak: close sink: %w", err)
	}
	return nil
}
