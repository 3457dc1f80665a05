// Package transcribe turns ended utterances into clean text.
//
// A [Transcriber] sends the utterance PCM to an [stt.Provider] (usually a
// resilience.STTFallback whose breakers skip failing backends), strips
// recogniser noise markers, corrects vocabulary terms and keeps latency
// statistics. An empty result means nothing was said.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/segment"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transcribe: closed")

// Option configures a [Transcriber].
type Option func(*Transcriber)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Transcriber) {
		t.log = l
	}
}

// WithCleaner replaces the default [transcript.Cleaner].
func WithCleaner(c *transcript.Cleaner) Option {
	return func(t *Transcriber) {
		t.cleaner = c
	}
}

// WithOptions sets the initial language and keywords.
func WithOptions(o stt.Options) Option {
	return func(t *Transcriber) {
		t.opts = o
	}
}

// WithMetrics records provider calls on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transcriber) {
		t.metrics = m
	}
}

// WithName sets the provider label used in logs and metrics. Default "stt".
func WithName(name string) Option {
	return func(t *Transcriber) {
		t.name = name
	}
}

// WithStatsWindow sets how many latency samples feed the percentiles.
func WithStatsWindow(n int) Option {
	return func(t *Transcriber) {
		t.window = n
	}
}

// Transcriber is safe for concurrent use.
type Transcriber struct {
	provider stt.Provider
	name     string
	cleaner  *transcript.Cleaner
	metrics  *observe.Metrics
	log      *slog.Logger
	window   int

	mu     sync.Mutex
	opts   stt.Options
	stats  stats
	closed bool
}

// New returns a Transcriber over p.
func New(p stt.Provider, opts ...Option) (*Transcriber, error) {
	if p == nil {
		return nil, errors.New("transcribe: provider must not be nil")
	}
	t := &Transcriber{
		provider: p,
		name:     "stt",
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.cleaner == nil {
		t.cleaner = transcript.New()
	}
	if len(t.opts.Keywords) > 0 {
		t.cleaner.SetVocabulary(types.Keywords(t.opts.Keywords))
	}
	t.stats = newStats(t.window)
	return t, nil
}

// Transcribe returns the cleaned transcript of u, or "" when the recogniser
// heard nothing but noise.
func (t *Transcriber) Transcribe(ctx context.Context, u segment.Utterance) (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	opts := t.opts
	t.mu.Unlock()

	f := u.Format()
	req := stt.Request{
		Audio:      u.PCM(),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Language:   opts.Language,
		Keywords:   opts.Keywords,
	}
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("transcribe: utterance %d: %w", u.ID, err)
	}

	ctx, span := observe.StartSpan(ctx, "transcribe")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("utterance_id", int64(u.ID)),
		attribute.Int64("audio_ms", u.Duration().Milliseconds()),
	)

	start := time.Now()
	tr, err := t.provider.Transcribe(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		t.mu.Lock()
		t.stats.failures++
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.RecordProviderRequest(ctx, t.name, "stt", "error")
			t.metrics.RecordProviderError(ctx, t.name, "stt")
		}
		span.RecordError(err)
		return "", fmt.Errorf("transcribe: utterance %d: %w", u.ID, err)
	}
	if t.metrics != nil {
		t.metrics.RecordProviderRequest(ctx, t.name, "stt", "ok")
	}

	res := t.cleaner.Clean(tr.Text)

	t.mu.Lock()
	t.stats.observe(elapsed, u.Duration())
	if res.Noise {
		t.stats.noise++
	}
	t.mu.Unlock()

	log := observe.Logger(ctx, t.log)
	if res.Noise {
		log.Debug("transcribe: noise only", "utterance_id", u.ID, "raw", tr.Text)
		return "", nil
	}
	for _, c := range res.Corrections {
		log.Debug("transcribe: vocabulary correction",
			"utterance_id", u.ID,
			"original", c.Original,
			"corrected", c.Corrected,
			"confidence", c.Confidence,
		)
	}
	log.Debug("transcribe: done", "utterance_id", u.ID, "elapsed", elapsed, "text", res.Text)
	return res.Text, nil
}

// UpdateConfig replaces the language and keywords. The keywords also become
// the correction vocabulary. Calls in flight keep their previous settings.
func (t *Transcriber) UpdateConfig(o stt.Options) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.opts = stt.Options{
		Language: o.Language,
		Keywords: append([]types.KeywordBoost(nil), o.Keywords...),
	}
	t.cleaner.SetVocabulary(types.Keywords(o.Keywords))
	t.log.Info("transcribe: config updated", "language", o.Language, "keywords", len(o.Keywords))
	return nil
}

// Options returns the current settings.
func (t *Transcriber) Options() stt.Options {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts
}

// PerformanceMetrics returns request counters and latency statistics in
// milliseconds. real_time_factor is processing time over audio time.
func (t *Transcriber) PerformanceMetrics() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.snapshot()
}

// Close rejects further calls and closes the provider. Close is idempotent.
func (t *Transcriber) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.provider.Close(); err != nil {
		return fmt.Errorf("transcribe: close provider: %w", err)
	}
	return nil
}
