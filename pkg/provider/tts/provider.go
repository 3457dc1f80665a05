// Package tts defines the Provider interface for Text-to-Speech backends.
//
// SynthesizeStream accepts a channel of text fragments and returns a channel
// of raw PCM bytes as they become available, so playback can begin before the
// whole reply is synthesised.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments and emits 16-bit PCM chunks in
	// OutputFormat. The audio channel is closed when all text is synthesised,
	// when synthesis fails or when ctx is cancelled. Callers must drain it.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// OutputFormat is the PCM format of emitted audio.
	OutputFormat() audio.Format
}

// Text wraps a single string in a closed fragment channel.
func Text(s string) <-chan string {
	ch := make(chan string, 1)
	ch <- s
	close(ch)
	return ch
}
