package vad

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
)

// GuardOption configures a [Guard].
type GuardOption func(*Guard)

// WithFaultHook registers fn to be called with every classification fault.
// fn runs on the frame-processing goroutine and must not block.
func WithFaultHook(fn func(err error)) GuardOption {
	return func(g *Guard) {
		g.onFault = fn
	}
}

// WithGuardLogger sets the logger used for fault reports. Defaults to
// [slog.Default].
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.log = l
	}
}

// Guard wraps a [Detector] so that classification can never fail: malformed
// frames, detector errors and detector panics all yield silence and are
// counted as faults.
type Guard struct {
	det     Detector
	cfg     Config
	onFault func(error)
	log     *slog.Logger
	faults  atomic.Uint64
}

// NewGuard wraps det, which must have been created with cfg.
func NewGuard(det Detector, cfg Config, opts ...GuardOption) *Guard {
	g := &Guard{det: det, cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// DetectSpeechInFrame returns the speech label for frame, or false when the
// frame could not be classified.
func (g *Guard) DetectSpeechInFrame(frame []byte) (speech bool) {
	if err := audio.ValidateFrame(frame, g.cfg.SampleRate, g.cfg.FrameSizeMs); err != nil {
		g.fault(err)
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			g.fault(fmt.Errorf("vad: classifier panic: %v", r))
			speech = false
		}
	}()
	speech, err := g.det.Classify(frame)
	if err != nil {
		g.fault(err)
		return false
	}
	return speech
}

func (g *Guard) fault(err error) {
	n := g.faults.Add(1)
	g.log.Debug("vad: frame classified as silence after fault", "err", err, "faults", n)
	if g.onFault != nil {
		g.onFault(err)
	}
}

// Faults returns the number of frames that could not be classified.
func (g *Guard) Faults() uint64 { return g.faults.Load() }

// Reset resets the wrapped detector. The fault counter is kept.
func (g *Guard) Reset() { g.det.Reset() }

// Close closes the wrapped detector.
func (g *Guard) Close() error { return g.det.Close() }
