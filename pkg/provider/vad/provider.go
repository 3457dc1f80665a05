// Package vad defines voice activity detection for the speech pipeline.
//
// A [Detector] classifies one fixed-size PCM frame as speech or silence. Each
// detector owns its own adaptive state, so every audio stream gets its own
// detector. Detectors are created by an [Engine]; configuration is validated
// at construction and an invalid [Config] is rejected with a
// [*ConfigurationError] before any frame is processed.
//
// Classification errors never leave the pipeline: [Guard] wraps a detector and
// turns malformed frames and internal failures into a silence label plus a
// recorded fault.
package vad

import (
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrConfiguration is matched by every [*ConfigurationError].
var ErrConfiguration = errors.New("vad: invalid configuration")

// ConfigurationError reports an invalid detector configuration.
type ConfigurationError struct {
	Field  string
	Value  int
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("vad: invalid %s %d: %s", e.Field, e.Value, e.Reason)
}

// Unwrap makes errors.Is(err, ErrConfiguration) hold.
func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// Mode controls classification aggressiveness. Higher modes are more
// conservative about labelling a frame as speech.
type Mode int

const (
	// ModePermissive labels the most frames as speech.
	ModePermissive Mode = iota
	// ModeBalanced trades a few missed soft onsets for fewer false positives.
	ModeBalanced
	// ModeAggressive rejects most steady background noise.
	ModeAggressive
	// ModeVeryAggressive labels only clearly voiced, loud frames as speech.
	ModeVeryAggressive
)

// IsValid reports whether m is in 0..3.
func (m Mode) IsValid() bool {
	return m >= ModePermissive && m <= ModeVeryAggressive
}

// Config holds the parameters for a [Detector].
type Config struct {
	// SampleRate in Hz. One of [audio.SupportedSampleRates].
	SampleRate int

	// FrameSizeMs is the duration of each frame. One of 10, 20 or 30.
	FrameSizeMs int

	// Mode is the aggressiveness, 0..3.
	Mode Mode
}

// Validate returns a [*ConfigurationError] for the first invalid field.
func (c Config) Validate() error {
	if !audio.IsSupportedSampleRate(c.SampleRate) {
		return &ConfigurationError{Field: "sample rate", Value: c.SampleRate, Reason: "must be one of 8000, 16000, 32000, 48000"}
	}
	if !audio.IsSupportedFrameDuration(c.FrameSizeMs) {
		return &ConfigurationError{Field: "frame duration", Value: c.FrameSizeMs, Reason: "must be 10, 20 or 30 ms"}
	}
	if !c.Mode.IsValid() {
		return &ConfigurationError{Field: "mode", Value: int(c.Mode), Reason: "must be in 0..3"}
	}
	return nil
}

// FrameBytes is the exact frame length a detector with this config accepts.
func (c Config) FrameBytes() int {
	return audio.FrameBytes(c.SampleRate, c.FrameSizeMs)
}

// Detector classifies single frames. A Detector is not safe for concurrent
// use; give each stream its own.
type Detector interface {
	// Classify reports whether frame contains speech. The frame must be mono
	// little-endian 16-bit PCM of exactly [Config.FrameBytes] bytes; any other
	// length returns an error wrapping [audio.ErrMalformedFrame].
	//
	// Identical frame sequences fed to freshly created detectors with the same
	// config yield identical labels.
	Classify(frame []byte) (bool, error)

	// Reset restores the detector to its freshly constructed state.
	Reset()

	// Close releases resources. Calling Close more than once is safe.
	Close() error
}

// Engine creates detectors. Implementations must be safe for concurrent use.
type Engine interface {
	// NewDetector validates cfg and returns a ready detector. Invalid
	// configuration returns a [*ConfigurationError].
	NewDetector(cfg Config) (Detector, error)
}
