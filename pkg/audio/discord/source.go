package discord

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source delivers the followed speaker's audio as 20 ms 48 kHz stereo
// packets. Only one Source should read from a Device at a time.
type Source struct {
	dev *Device
	dec *opusDecoder

	seq uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// Source returns a capture reader for the device.
func (d *Device) Source() (*Source, error) {
	dec, err := newOpusDecoder()
	if err != nil {
		return nil, err
	}
	return &Source{dev: d, dec: dec, closed: make(chan struct{})}, nil
}

// Format implements audio.Source.
func (s *Source) Format() audio.Format { return Format }

// ReadFrame implements audio.Source. Packets from other speakers and packets
// that fail to decode are skipped within the same frame period.
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	t := time.NewTimer(opusFrameSizeMs * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return audio.AudioFrame{}, ctx.Err()
		case <-s.closed:
			return audio.AudioFrame{}, audio.ErrDeviceUnavailable
		case <-s.dev.done:
			return audio.AudioFrame{}, audio.ErrDeviceUnavailable
		case <-t.C:
			return audio.AudioFrame{}, audio.ErrNoSignal
		case pkt, ok := <-s.dev.vc.OpusRecv:
			if !ok {
				return audio.AudioFrame{}, audio.ErrDeviceUnavailable
			}
			if pkt == nil || !s.dev.accept(pkt.SSRC) {
				continue
			}
			pcm, err := s.dec.decode(pkt.Opus)
			if err != nil {
				s.dev.log.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}
			f := audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Seq:        s.seq,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			}
			s.seq++
			return f, nil
		}
	}
}

// Close implements audio.Source. The voice connection stays joined.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
