package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/segment"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Default stage budgets.
const (
	DefaultTranscribeTimeout = 10 * time.Second
	DefaultGenerateTimeout   = 15 * time.Second
	DefaultMaxDeviceRetries  = 5
)

// Config tunes an [Orchestrator].
type Config struct {
	// VAD configures the frame classifier. Its sample rate and frame size
	// must match the frames Capture produces.
	VAD vad.Config

	// Segmenter sets the utterance boundary rules, in frames.
	Segmenter segment.Config

	// TranscribeTimeout bounds one Transcribe call. Zero uses the default.
	TranscribeTimeout time.Duration

	// GenerateTimeout bounds one Respond call. Zero uses the default.
	GenerateTimeout time.Duration

	// SpeakTimeout bounds one Speak call. Zero leaves playback unbounded.
	SpeakTimeout time.Duration

	// DeviceBackoff paces capture retries after a device fault. The zero
	// value waits 1s doubling to 30s.
	DeviceBackoff resilience.Backoff

	// MaxDeviceRetries is the number of consecutive faults after which the
	// fault is reported as persistent. Zero uses the default.
	MaxDeviceRetries int
}

func (c Config) withDefaults() Config {
	if c.TranscribeTimeout == 0 {
		c.TranscribeTimeout = DefaultTranscribeTimeout
	}
	if c.GenerateTimeout == 0 {
		c.GenerateTimeout = DefaultGenerateTimeout
	}
	if c.MaxDeviceRetries == 0 {
		c.MaxDeviceRetries = DefaultMaxDeviceRetries
	}
	return c
}

// Validate reports every problem with c. Detector errors keep their
// [*vad.ConfigurationError] type.
func (c Config) Validate() error {
	var errs []error
	if err := c.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Segmenter.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"transcribe timeout": c.TranscribeTimeout,
		"generate timeout":   c.GenerateTimeout,
		"speak timeout":      c.SpeakTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("conversation: %s must not be negative, got %v", name, d))
		}
	}
	if c.MaxDeviceRetries < 0 {
		errs = append(errs, fmt.Errorf("conversation: max device retries must not be negative, got %d", c.MaxDeviceRetries))
	}
	return errors.Join(errs...)
}

// Deps are the collaborators of an [Orchestrator]. All are required. The
// orchestrator owns them once New succeeds and closes them on Shutdown.
type Deps struct {
	Capture     Capture
	VAD         vad.Engine
	Transcriber Transcriber
	Responder   Responder
	Speaker     Speaker
}

func (d Deps) validate() error {
	var errs []error
	if d.Capture == nil {
		errs = append(errs, errors.New("conversation: capture is required"))
	}
	if d.VAD == nil {
		errs = append(errs, errors.New("conversation: vad engine is required"))
	}
	if d.Transcriber == nil {
		errs = append(errs, errors.New("conversation: transcriber is required"))
	}
	if d.Responder == nil {
		errs = append(errs, errors.New("conversation: responder is required"))
	}
	if d.Speaker == nil {
		errs = append(errs, errors.New("conversation: speaker is required"))
	}
	return errors.Join(errs...)
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithObserver registers fn to receive every [Event].
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// WithEventBuffer sets how many undelivered events are kept before new ones
// are dropped. Default 64.
func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) {
		o.eventBuffer = n
	}
}
