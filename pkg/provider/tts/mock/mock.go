// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{pcm1, pcm2}}
//	ch, _ := p.SynthesizeStream(ctx, tts.Text("hi"), voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// SynthesizeCall records a single invocation of SynthesizeStream.
type SynthesizeCall struct {
	Ctx   context.Context
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks are emitted in order on the audio channel.
	Chunks [][]byte
	// Hold keeps the audio channel open after Chunks until ctx is cancelled.
	Hold bool
	// SynthesizeErr is returned by SynthesizeStream instead of a channel.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile
	// ListVoicesErr is returned by ListVoices.
	ListVoicesErr error

	// Format is returned by OutputFormat. Zero means 16 kHz mono.
	Format audio.Format

	SynthesizeCalls []SynthesizeCall
	// Texts collects every fragment read from the text channels.
	Texts          []string
	ListVoiceCalls int
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream records the call and emits Chunks. The text channel is
// drained before the audio channel is returned.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([][]byte(nil), p.Chunks...)
	hold := p.Hold
	p.mu.Unlock()

	for s := range text {
		p.mu.Lock()
		p.Texts = append(p.Texts, s)
		p.mu.Unlock()
	}

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// ListVoices records the call and returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoiceCalls++
	return p.Voices, p.ListVoicesErr
}

// OutputFormat returns Format, defaulting to 16 kHz mono.
func (p *Provider) OutputFormat() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Format.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return p.Format
}

// SpokenTexts returns a snapshot of every received text fragment.
func (p *Provider) SpokenTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Texts...)
}
