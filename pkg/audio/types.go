package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"
)

// BytesPerSample is the width of one 16-bit little-endian PCM sample.
const BytesPerSample = 2

// SupportedSampleRates lists the capture rates the speech pipeline accepts.
var SupportedSampleRates = []int{8000, 16000, 32000, 48000}

// SupportedFrameDurations lists the frame lengths, in milliseconds, the
// speech pipeline accepts.
var SupportedFrameDurations = []int{10, 20, 30}

// ErrMalformedFrame is returned when a frame's byte length does not match the
// length required by its sample rate, channel count and frame duration.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// AudioFrame is a single fixed-duration buffer of 16-bit little-endian PCM.
// Frames are produced by a capture device, classified once by voice activity
// detection and then either collected into an utterance or dropped.
type AudioFrame struct {
	// Data holds interleaved PCM samples.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Seq is the capture sequence number. It increases by one per frame
	// produced by a single device and is used to order speech labels.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration reports how much audio the frame holds.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// IsSupportedSampleRate reports whether rate is one of [SupportedSampleRates].
func IsSupportedSampleRate(rate int) bool {
	return slices.Contains(SupportedSampleRates, rate)
}

// IsSupportedFrameDuration reports whether ms is one of [SupportedFrameDurations].
func IsSupportedFrameDuration(ms int) bool {
	return slices.Contains(SupportedFrameDurations, ms)
}

// FrameBytes returns the exact byte length of one mono frame of frameMs
// milliseconds at sampleRate. It returns 0 for non-positive inputs.
func FrameBytes(sampleRate, frameMs int) int {
	if sampleRate <= 0 || frameMs <= 0 {
		return 0
	}
	return sampleRate * frameMs / 1000 * BytesPerSample
}

// ValidateFrame checks that data is exactly one mono frame of frameMs at
// sampleRate. Frames of any other length are rejected, never truncated.
func ValidateFrame(data []byte, sampleRate, frameMs int) error {
	want := FrameBytes(sampleRate, frameMs)
	if want == 0 {
		return fmt.Errorf("%w: unsupported format %dHz/%dms", ErrMalformedFrame, sampleRate, frameMs)
	}
	if len(data) != want {
		return fmt.Errorf("%w: got %d bytes, want %d for %dHz/%dms", ErrMalformedFrame, len(data), want, sampleRate, frameMs)
	}
	return nil
}

// PCMDuration converts a PCM byte count to a playback duration.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (BytesPerSample * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Samples decodes little-endian PCM bytes into int16 samples. A trailing odd
// byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes int16 samples as little-endian PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
