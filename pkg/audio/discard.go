package audio

import (
	"context"
	"sync"
)

var _ Sink = (*DiscardSink)(nil)

// DiscardSink accepts and drops all audio. It serves text-only sessions where
// replies are read from the transcript log rather than heard.
type DiscardSink struct {
	format Format

	mu      sync.Mutex
	written int
	closed  bool
}

// NewDiscardSink returns a sink that claims format f.
func NewDiscardSink(f Format) *DiscardSink {
	return &DiscardSink{format: f}
}

// Format implements Sink.
func (d *DiscardSink) Format() Format { return d.format }

// Write implements Sink.
func (d *DiscardSink) Write(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceUnavailable
	}
	d.written += len(pcm)
	return nil
}

// Written returns the number of bytes dropped so far.
func (d *DiscardSink) Written() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

// Close implements Sink.
func (d *DiscardSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
