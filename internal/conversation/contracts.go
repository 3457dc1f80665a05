package conversation

import (
	"context"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/respond"
	"github.com/MrWong99/parley/internal/segment"
	"github.com/MrWong99/parley/internal/speak"
	"github.com/MrWong99/parley/internal/transcribe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Capture supplies pipeline frames.
type Capture interface {
	// Capture blocks until the next frame is available. It returns
	// [audio.ErrNoSignal] when nothing arrived within one frame period and an
	// error wrapping [audio.ErrDeviceUnavailable] when the device is gone.
	Capture(ctx context.Context) (audio.AudioFrame, error)

	Close() error
}

// Transcriber turns a finished utterance into text.
type Transcriber interface {
	// Transcribe returns the recognised text. An empty string means nothing
	// usable was said.
	Transcribe(ctx context.Context, u segment.Utterance) (string, error)

	// UpdateConfig applies new recognition options to later calls.
	UpdateConfig(opts stt.Options) error

	// PerformanceMetrics returns latency and throughput figures keyed by name.
	PerformanceMetrics() map[string]float64

	Close() error
}

// Responder produces the reply to one user utterance.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
	Close() error
}

// Speaker synthesises and plays a reply.
type Speaker interface {
	// Speak blocks until the reply has been played, ctx is done or StopNow
	// is called.
	Speak(ctx context.Context, text string) error

	// StopNow makes a running Speak return promptly. It may be called at any
	// time from any goroutine, including when nothing is playing.
	StopNow()

	Close() error
}

// Interruptible is implemented by responders that want to know when the
// reply they produced was cut off by the user. Respond receives the turn id
// through [respond.WithTurnID]; Interrupted names the same id.
type Interruptible interface {
	Interrupted(ctx context.Context, turnID uint64) error
}

var (
	_ Capture       = (*capture.Device)(nil)
	_ Transcriber   = (*transcribe.Transcriber)(nil)
	_ Responder     = (*respond.Responder)(nil)
	_ Interruptible = (*respond.Responder)(nil)
	_ Speaker       = (*speak.Speaker)(nil)
)
