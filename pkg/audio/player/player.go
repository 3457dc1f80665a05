// Package player drives synthesized speech into an [audio.Sink] one segment at
// a time and supports a synchronous hard stop.
//
// [Player.Stop] is the barge-in primitive: when it returns, the segment's
// [Player.Play] call has returned and no further audio from that segment will
// reach the sink.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrStopped is returned by [Player.Play] when the segment was cut short
	// by [Player.Stop].
	ErrStopped = errors.New("player: stopped")

	// ErrBusy is returned by [Player.Play] while another segment is playing.
	ErrBusy = errors.New("player: already playing")

	// ErrClosed is returned by [Player.Play] after [Player.Close].
	ErrClosed = errors.New("player: closed")
)

const (
	// DefaultChunk is the amount of audio written to the sink per Write call.
	// It bounds how much audio can still be in flight when Stop is called.
	DefaultChunk = 20 * time.Millisecond

	// DefaultLead is how far ahead of real time the player may write when
	// pacing is enabled.
	DefaultLead = 60 * time.Millisecond
)

// Segment is one reply's worth of streamed PCM. Audio is closed by the
// producer when synthesis finishes.
type Segment struct {
	// Audio delivers little-endian 16-bit PCM chunks of any size.
	Audio <-chan []byte

	// Format of the PCM on Audio.
	Format audio.Format
}

// Option configures a [Player] during construction.
type Option func(*Player)

// WithChunk sets the per-write chunk duration. Non-positive values are ignored.
func WithChunk(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.chunk = d
		}
	}
}

// WithPacing enables or disables real-time pacing. Sinks that block for their
// own buffering period can disable pacing. Enabled by default.
func WithPacing(enabled bool) Option {
	return func(p *Player) {
		p.pacing = enabled
	}
}

// WithLead sets how far ahead of real time writes may run when pacing.
func WithLead(d time.Duration) Option {
	return func(p *Player) {
		p.lead = d
	}
}

// Player plays [Segment] values on a sink. All exported methods are safe for
// concurrent use.
type Player struct {
	sink   audio.Sink
	chunk  time.Duration
	lead   time.Duration
	pacing bool

	mu       sync.Mutex
	cancel   chan struct{}      // closed by Stop to interrupt the current segment
	abort    context.CancelFunc // cancels an in-flight sink Write
	finished chan struct{}      // closed when the current Play returns
	closed   bool
}

// New returns a Player writing to sink.
func New(sink audio.Sink, opts ...Option) *Player {
	p := &Player{
		sink:   sink,
		chunk:  DefaultChunk,
		lead:   DefaultLead,
		pacing: true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play streams seg to the sink and blocks until the segment ends, ctx is
// cancelled, or [Player.Stop] is called. A stopped segment returns
// [ErrStopped]; its remaining audio is drained in the background.
func (p *Player) Play(ctx context.Context, seg Segment) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go audio.Drain(seg.Audio)
		return ErrClosed
	}
	if p.finished != nil {
		p.mu.Unlock()
		go audio.Drain(seg.Audio)
		return ErrBusy
	}
	playCtx, abort := context.WithCancel(ctx)
	cancel := make(chan struct{})
	finished := make(chan struct{})
	p.cancel, p.abort, p.finished = cancel, abort, finished
	p.mu.Unlock()

	defer func() {
		abort()
		p.mu.Lock()
		p.cancel, p.abort, p.finished = nil, nil, nil
		p.mu.Unlock()
		close(finished)
	}()

	err := p.play(playCtx, seg, cancel)
	if err != nil {
		go audio.Drain(seg.Audio)
	}
	return err
}

func (p *Player) play(ctx context.Context, seg Segment, cancel <-chan struct{}) error {
	conv := audio.Converter{From: seg.Format, To: p.sink.Format()}
	out := p.sink.Format()
	chunkBytes := int(int64(out.SampleRate)*int64(p.chunk)/int64(time.Second)) * audio.BytesPerSample * max(out.Channels, 1)
	if chunkBytes <= 0 {
		return fmt.Errorf("player: invalid sink format %s", out)
	}

	var (
		start   time.Time
		written time.Duration
		pending []byte
	)
	write := func(pcm []byte) error {
		select {
		case <-cancel:
			return ErrStopped
		default:
		}
		if err := p.sink.Write(ctx, pcm); err != nil {
			select {
			case <-cancel:
				return ErrStopped
			default:
			}
			return fmt.Errorf("player: write: %w", err)
		}
		if start.IsZero() {
			start = time.Now()
		}
		written += audio.PCMDuration(len(pcm), out.SampleRate, out.Channels)
		if p.pacing {
			return p.wait(ctx, cancel, time.Until(start.Add(written-p.lead)))
		}
		return nil
	}

	for {
		select {
		case <-cancel:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-seg.Audio:
			if !ok {
				if len(pending) > 0 {
					return write(pending)
				}
				return p.wait(ctx, cancel, time.Until(start.Add(written)))
			}
			pcm, err := conv.Convert(chunk)
			if err != nil {
				return fmt.Errorf("player: %w", err)
			}
			pending = append(pending, pcm...)
			for len(pending) >= chunkBytes {
				if err := write(pending[:chunkBytes]); err != nil {
					return err
				}
				pending = pending[chunkBytes:]
			}
		}
	}
}

// wait sleeps for d unless stopped. Non-positive durations return at once.
func (p *Player) wait(ctx context.Context, cancel <-chan struct{}, d time.Duration) error {
	if !p.pacing || d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-cancel:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stop interrupts the current segment and waits until its Play call has
// returned. It reports whether anything was playing. Calling Stop when idle is
// a cheap no-op.
func (p *Player) Stop() bool {
	p.mu.Lock()
	if p.finished == nil {
		p.mu.Unlock()
		return false
	}
	finished := p.finished
	select {
	case <-p.cancel:
	default:
		close(p.cancel)
	}
	p.abort()
	p.mu.Unlock()

	<-finished
	return true
}

// Playing reports whether a segment is currently being played.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished != nil
}

// Close stops any playback and rejects further segments. The sink is not
// closed; it belongs to the caller. Close is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Stop()
	return nil
}
