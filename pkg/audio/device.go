// Package audio defines the frame type and the device contracts of the voice
// pipeline.
//
// A [Source] is a pull-based capture device: each [Source.ReadFrame] call
// blocks for at most one frame period and returns the next captured frame. A
// [Sink] accepts synthesized PCM for playback. Concrete devices live in
// sub-packages (audio/wavfile, audio/wsbridge, audio/discord) and each one owns
// its underlying handle exclusively.
//
// This package lives under pkg/ because external code is expected to
// implement [Source] and [Sink].
package audio

import (
	"context"
	"errors"
)

var (
	// ErrNoSignal is returned by [Source.ReadFrame] when no audio arrived
	// within one frame period. It is not a fault; callers simply try again.
	ErrNoSignal = errors.New("audio: no signal")

	// ErrDeviceUnavailable is returned when the underlying device has gone
	// away (unplugged, disconnected, closed by the peer). The device must be
	// reopened before it can produce or accept audio again.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// Source is a capture device.
//
// Implementations need not be safe for concurrent ReadFrame calls: the voice
// pipeline reads from exactly one goroutine. Close may be called concurrently
// with ReadFrame and must unblock it.
type Source interface {
	// ReadFrame returns the next frame. Frames carry increasing Seq values.
	// Returns [ErrNoSignal] when nothing was captured, [ErrDeviceUnavailable]
	// when the device is gone, or ctx.Err() when ctx is cancelled.
	ReadFrame(ctx context.Context) (AudioFrame, error)

	// Format describes the frames this source produces.
	Format() Format

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Sink is a playback device.
type Sink interface {
	// Write plays pcm, which must be in the Sink's [Format]. Write may block
	// for the device's buffering period.
	Write(ctx context.Context, pcm []byte) error

	// Format describes the PCM the sink expects.
	Format() Format

	// Close releases the device. Safe to call more than once.
	Close() error
}

// SourceOpener opens a fresh capture device. It is used to reopen a device
// after [ErrDeviceUnavailable].
type SourceOpener func(ctx context.Context) (Source, error)
