// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider transcribes one complete utterance per call. Backends that are
// natively streaming (Deepgram) open a short-lived session per request and
// return once the final result is committed.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/types"
)

// ErrEmptyAudio is returned when a Request carries no audio.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Request is a single transcription job.
type Request struct {
	// Audio is 16-bit little-endian PCM.
	Audio []byte

	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels. Most backends require 1.
	Channels int

	// Language is the BCP-47 language tag. Empty lets the backend auto-detect.
	Language string

	// Keywords are vocabulary hints for uncommon words.
	Keywords []types.KeywordBoost
}

// Validate reports whether the request is usable by any backend.
func (r Request) Validate() error {
	if len(r.Audio) == 0 {
		return ErrEmptyAudio
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("stt: sample rate must be positive, got %d", r.SampleRate)
	}
	if r.Channels <= 0 {
		return fmt.Errorf("stt: channels must be positive, got %d", r.Channels)
	}
	if len(r.Audio)%(2*r.Channels) != 0 {
		return fmt.Errorf("stt: audio length %d is not a whole number of samples", len(r.Audio))
	}
	return nil
}

// Options are the recognition settings that can change at runtime.
type Options struct {
	// Language is the BCP-47 language tag.
	Language string

	// Keywords are vocabulary hints.
	Keywords []types.KeywordBoost
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts the request audio into text. An empty Text with a nil
	// error means no speech was recognised.
	Transcribe(ctx context.Context, req Request) (types.Transcript, error)

	// Close releases the backend's resources. It is called once on teardown;
	// backends holding nothing return nil.
	Close() error
}
