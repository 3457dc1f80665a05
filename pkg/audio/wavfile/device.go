package wavfile

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

var _ audio.Source = (*Source)(nil)

// SourceOption configures a [Source].
type SourceOption func(*Source)

// WithRealtime paces ReadFrame to one frame per frame period. Defaults to
// true; disable it in tests to replay as fast as the reader consumes.
func WithRealtime(on bool) SourceOption {
	return func(s *Source) { s.realtime = on }
}

// WithTrailingSilence sets how long the source keeps producing silent frames
// once the file is exhausted before reporting [audio.ErrDeviceUnavailable].
// Zero produces silence forever. Defaults to zero.
func WithTrailingSilence(d time.Duration) SourceOption {
	return func(s *Source) { s.trailing = d }
}

// Source replays PCM as a capture device.
type Source struct {
	format   audio.Format
	frameMs  int
	realtime bool
	trailing time.Duration

	mu       sync.Mutex
	frames   []audio.AudioFrame
	next     int
	silent   time.Duration
	seq      uint64
	started  time.Time
	closed   bool
	closedCh chan struct{}
}

// NewSource splits pcm in format f into frameMs frames.
func NewSource(pcm []byte, f audio.Format, frameMs int, opts ...SourceOption) (*Source, error) {
	if !audio.IsSupportedFrameDuration(frameMs) {
		return nil, fmt.Errorf("wavfile: unsupported frame duration %d ms", frameMs)
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("wavfile: invalid format %s", f)
	}
	fr := audio.NewFramer(f, frameMs)
	frames := fr.Write(pcm)
	if last, ok := fr.Flush(); ok {
		frames = append(frames, last)
	}
	s := &Source{
		format:   f,
		frameMs:  frameMs,
		realtime: true,
		frames:   frames,
		seq:      uint64(len(frames)),
		closedCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// OpenSource decodes the WAV file at path into a Source.
func OpenSource(path string, frameMs int, opts ...SourceOption) (*Source, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer fh.Close()
	pcm, f, err := Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %q: %w", path, err)
	}
	return NewSource(pcm, f, frameMs, opts...)
}

// Format implements audio.Source.
func (s *Source) Format() audio.Format { return s.format }

// Remaining returns the number of file frames not yet read.
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames) - s.next
}

// ReadFrame implements audio.Source.
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audio.AudioFrame{}, audio.ErrDeviceUnavailable
	}
	if s.started.IsZero() {
		s.started = time.Now()
	}
	period := time.Duration(s.frameMs) * time.Millisecond
	var (
		frame audio.AudioFrame
		index int
	)
	if s.next < len(s.frames) {
		frame = s.frames[s.next]
		index = s.next
		s.next++
	} else {
		if s.trailing > 0 && s.silent >= s.trailing {
			s.mu.Unlock()
			return audio.AudioFrame{}, audio.ErrDeviceUnavailable
		}
		frame = audio.AudioFrame{
			Data:       make([]byte, audio.FrameBytes(s.format.SampleRate, s.frameMs)*s.format.Channels),
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Seq:        s.seq,
			Timestamp:  time.Duration(s.seq) * period,
		}
		index = int(s.seq)
		s.seq++
		s.silent += period
	}
	due := s.started.Add(time.Duration(index+1) * period)
	realtime := s.realtime
	s.mu.Unlock()

	if realtime {
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return audio.AudioFrame{}, ctx.Err()
			case <-s.closedCh:
				return audio.AudioFrame{}, audio.ErrDeviceUnavailable
			case <-t.C:
			}
		}
	}
	return frame, nil
}

// Close implements audio.Source.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closedCh)
	}
	return nil
}

// ─── Sink ────────────────────────────────────────────────────────────────────

var _ audio.Sink = (*Sink)(nil)

// Sink records PCM to a WAV file. The header is rewritten with the final
// data size on Close.
type Sink struct {
	format audio.Format

	mu     sync.Mutex
	w      io.WriteSeeker
	closer io.Closer
	size   int
	closed bool
}

// NewSink writes a WAV stream in format f to w. If w is also an io.Closer it
// is closed by Close.
func NewSink(w io.WriteSeeker, f audio.Format) (*Sink, error) {
	hdr := make([]byte, headerSize)
	putHeader(hdr, f, 0)
	if _, err := w.Write(hdr); err != nil {
		return nil, fmt.Errorf("wavfile: write header: %w", err)
	}
	s := &Sink{format: f, w: w}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// CreateSink creates (or truncates) the file at path.
func CreateSink(path string, f audio.Format) (*Sink, error) {
	fh, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %q: %w", path, err)
	}
	s, err := NewSink(fh, f)
	if err != nil {
		fh.Close()
		return nil, err
	}
	return s, nil
}

// Format implements audio.Sink.
func (s *Sink) Format() audio.Format { return s.format }

// Write implements audio.Sink.
func (s *Sink) Write(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrDeviceUnavailable
	}
	n, err := s.w.Write(pcm)
	s.size += n
	if err != nil {
		return fmt.Errorf("wavfile: write: %w", err)
	}
	return nil
}

// Size returns the number of PCM bytes written so far.
func (s *Sink) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close finalises the header and closes the underlying writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	hdr := make([]byte, headerSize)
	putHeader(hdr, s.format, s.size)
	var err error
	if _, serr := s.w.Seek(0, io.SeekStart); serr != nil {
		err = fmt.Errorf("wavfile: seek header: %w", serr)
	} else if _, werr := s.w.Write(hdr); werr != nil {
		err = fmt.Errorf("wavfile: rewrite header: %w", werr)
	}
	if s.closer != nil {
		if cerr := s.closer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("wavfile: close: %w", cerr)
		}
	}
	return err
}
