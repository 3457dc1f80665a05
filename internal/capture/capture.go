// Package capture adapts an [audio.Source] into the frame supply of the
// conversation loop.
//
// A [Device] opens its source lazily, converts every packet to the pipeline
// format, re-chunks it into frames of exactly the configured duration and
// numbers them with one monotonically increasing sequence that survives
// reopens. When the source reports [audio.ErrDeviceUnavailable] the handle is
// dropped and the next Capture call reopens it; retry pacing belongs to the
// caller.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("capture: device closed")

// Option configures a [Device].
type Option func(*Device)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		d.log = l
	}
}

// Device is a reopening capture device. Capture must be called from one
// goroutine; Close may be called from any.
type Device struct {
	open    audio.SourceOpener
	format  audio.Format
	frameMs int
	log     *slog.Logger

	mu     sync.Mutex
	src    audio.Source
	closed bool

	framer  *audio.Framer
	conv    audio.Converter
	pending []audio.AudioFrame
	seq     uint64
	opens   int
}

// New returns a Device that produces frameMs frames in format f from sources
// returned by open. f must be a supported pipeline format.
func New(open audio.SourceOpener, f audio.Format, frameMs int, opts ...Option) (*Device, error) {
	if open == nil {
		return nil, errors.New("capture: source opener must not be nil")
	}
	if !audio.IsSupportedSampleRate(f.SampleRate) || f.Channels <= 0 {
		return nil, fmt.Errorf("capture: unsupported pipeline format %s", f)
	}
	if !audio.IsSupportedFrameDuration(frameMs) {
		return nil, fmt.Errorf("capture: unsupported frame duration %d ms", frameMs)
	}
	d := &Device{
		open:    open,
		format:  f,
		frameMs: frameMs,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Format is the format of every frame Capture returns.
func (d *Device) Format() audio.Format { return d.format }

// Opens reports how many times a source has been opened successfully.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Capture returns the next frame. It returns [audio.ErrNoSignal] when the
// source had nothing within one frame period and an error wrapping
// [audio.ErrDeviceUnavailable] when the source is gone or cannot be opened.
func (d *Device) Capture(ctx context.Context) (audio.AudioFrame, error) {
	for len(d.pending) == 0 {
		src, err := d.source(ctx)
		if err != nil {
			return audio.AudioFrame{}, err
		}

		frame, err := src.ReadFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, audio.ErrDeviceUnavailable):
			if d.isClosed() {
				return audio.AudioFrame{}, ErrClosed
			}
			d.drop(src)
			return audio.AudioFrame{}, fmt.Errorf("capture: read: %w", err)
		default:
			return audio.AudioFrame{}, err
		}

		pcm, err := d.conv.Convert(frame.Data)
		if err != nil {
			// A malformed packet is passed through as a malformed frame so
			// the detector records the fault.
			d.log.Debug("capture: unconvertible packet", "err", err, "bytes", len(frame.Data))
			return d.stamp(audio.AudioFrame{
				Data:       frame.Data,
				SampleRate: d.format.SampleRate,
				Channels:   d.format.Channels,
			}), nil
		}
		for _, f := range d.framer.Write(pcm) {
			d.pending = append(d.pending, d.stamp(f))
		}
	}

	f := d.pending[0]
	d.pending = d.pending[1:]
	return f, nil
}

func (d *Device) stamp(f audio.AudioFrame) audio.AudioFrame {
	f.Seq = d.seq
	f.Timestamp = time.Duration(d.seq) * time.Duration(d.frameMs) * time.Millisecond
	d.seq++
	return f
}

func (d *Device) source(ctx context.Context) (audio.Source, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.src != nil {
		src := d.src
		d.mu.Unlock()
		return src, nil
	}
	d.mu.Unlock()

	src, err := d.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("capture: open: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = src.Close()
		return nil, ErrClosed
	}
	d.src = src
	d.opens++
	d.conv = audio.Converter{From: src.Format(), To: d.format}
	d.framer = audio.NewFramer(d.format, d.frameMs)
	d.pending = nil
	d.log.Info("capture device opened", "format", src.Format().String(), "opens", d.opens)
	return src, nil
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) drop(src audio.Source) {
	d.mu.Lock()
	if d.src == src {
		d.src = nil
	}
	d.mu.Unlock()
	if err := src.Close(); err != nil {
		d.log.Debug("capture: close lost source", "err", err)
	}
	d.log.Warn("capture device lost")
}

// Close releases the current source and makes further Capture calls fail
// with [ErrClosed]. Close is idempotent and unblocks a pending Capture.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	src := d.src
	d.src = nil
	d.mu.Unlock()

	if src == nil {
		return nil
	}
	if err := src.Close(); err != nil {
		return fmt.Errorf("capture: close: %w", err)
	}
	return nil
}
