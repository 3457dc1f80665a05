// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose fields that control return
// values.
//
// Typical usage:
//
//	src := mock.NewSource(audio.Format{SampleRate: 16000, Channels: 1})
//	src.Push(frame1, frame2)
//	src.PushErr(audio.ErrDeviceUnavailable)
//	f, err := src.ReadFrame(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

type sourceItem struct {
	frame audio.AudioFrame
	err   error
}

// Source is a mock [audio.Source]. Frames and errors queued with [Source.Push]
// and [Source.PushErr] are returned in order. When the queue is empty,
// ReadFrame blocks until more items arrive, the source is closed, or ctx is
// cancelled.
type Source struct {
	mu     sync.Mutex
	format audio.Format
	queue  []sourceItem
	wake   chan struct{}
	closed bool

	// CloseErr is returned by [Source.Close].
	CloseErr error

	// ReadCalls counts ReadFrame invocations.
	ReadCalls int

	// CloseCalls counts Close invocations.
	CloseCalls int
}

var _ audio.Source = (*Source)(nil)

// NewSource returns an empty Source producing frames in format f.
func NewSource(f audio.Format) *Source {
	return &Source{format: f, wake: make(chan struct{}, 1)}
}

// Push queues frames to be returned by ReadFrame.
func (s *Source) Push(frames ...audio.AudioFrame) {
	s.mu.Lock()
	for _, f := range frames {
		s.queue = append(s.queue, sourceItem{frame: f})
	}
	s.mu.Unlock()
	s.signal()
}

// PushErr queues an error to be returned by ReadFrame.
func (s *Source) PushErr(err error) {
	s.mu.Lock()
	s.queue = append(s.queue, sourceItem{err: err})
	s.mu.Unlock()
	s.signal()
}

// Pending returns the number of queued items not yet read.
func (s *Source) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Source) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	s.ReadCalls++
	s.mu.Unlock()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return audio.AudioFrame{}, audio.ErrDeviceUnavailable
		}
		if len(s.queue) > 0 {
			item := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return item.frame, item.err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return audio.AudioFrame{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format { return s.format }

// Close implements [audio.Source]. It unblocks pending ReadFrame calls.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.closed = true
	err := s.CloseErr
	s.mu.Unlock()
	s.signal()
	return err
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink] that records every written buffer.
type Sink struct {
	mu     sync.Mutex
	format audio.Format

	// WriteErr, when non-nil, is returned by every Write call.
	WriteErr error

	// WriteHook, when non-nil, is called with each buffer before it is
	// recorded. Tests use it to block or slow down playback.
	WriteHook func(ctx context.Context, pcm []byte) error

	// CloseErr is returned by [Sink.Close].
	CloseErr error

	// Written holds a copy of every successfully written buffer in order.
	Written [][]byte

	// CloseCalls counts Close invocations.
	CloseCalls int
}

var _ audio.Sink = (*Sink)(nil)

// NewSink returns a Sink expecting PCM in format f.
func NewSink(f audio.Format) *Sink {
	return &Sink{format: f}
}

// Write implements [audio.Sink].
func (s *Sink) Write(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	hook, werr := s.WriteHook, s.WriteErr
	s.mu.Unlock()
	if werr != nil {
		return werr
	}
	if hook != nil {
		if err := hook(ctx, pcm); err != nil {
			return err
		}
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.mu.Lock()
	s.Written = append(s.Written, cp)
	s.mu.Unlock()
	return nil
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format { return s.format }

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return s.CloseErr
}

// WrittenBytes returns the total number of bytes written so far.
func (s *Sink) WrittenBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.Written {
		n += len(b)
	}
	return n
}

// Writes returns the number of successful Write calls.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Written)
}
