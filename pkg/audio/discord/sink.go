package discord

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Sink = (*Sink)(nil)

// Sink encodes 48 kHz stereo PCM into 20 ms Opus packets and sends them on
// the voice connection. Discord paces the send queue, so Write blocks at
// real-time speed once the queue is full.
type Sink struct {
	dev *Device
	enc *opusEncoder

	mu       sync.Mutex
	buf      []byte
	speaking bool
	closed   bool
}

// Sink returns a playback writer for the device.
func (d *Device) Sink() (*Sink, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	return &Sink{dev: d, enc: enc}, nil
}

// Format implements audio.Sink.
func (s *Sink) Format() audio.Format { return Format }

// Write implements audio.Sink. A trailing partial frame is held until the
// next Write or Flush.
func (s *Sink) Write(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrDeviceUnavailable
	}
	if !s.speaking {
		s.dev.setSpeaking(true)
		s.speaking = true
	}
	s.buf = append(s.buf, pcm...)
	for len(s.buf) >= opusFrameBytes {
		frame := s.buf[:opusFrameBytes]
		s.buf = s.buf[opusFrameBytes:]
		if err := s.send(ctx, frame); err != nil {
			return err
		}
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return nil
}

// Flush pads any held partial frame with silence, sends it and clears the
// speaking indicator.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush(ctx)
}

// Close flushes and stops the sink. The voice connection stays joined.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flush(context.Background())
	s.closed = true
	return err
}

// flush is called with s.mu held.
func (s *Sink) flush(ctx context.Context) error {
	var err error
	if len(s.buf) > 0 {
		frame := append(s.buf, make([]byte, opusFrameBytes-len(s.buf))...)
		s.buf = nil
		err = s.send(ctx, frame)
	}
	if s.speaking {
		s.dev.setSpeaking(false)
		s.speaking = false
	}
	return err
}

func (s *Sink) send(ctx context.Context, pcm []byte) error {
	opus, err := s.enc.encode(pcm)
	if err != nil {
		s.dev.log.Warn("discord: opus encode error", "error", err)
		return nil
	}
	select {
	case s.dev.vc.OpusSend <- opus:
		return nil
	case <-s.dev.done:
		return audio.ErrDeviceUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}
