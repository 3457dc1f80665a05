// Package energy provides a deterministic frame classifier based on
// short-term energy and zero-crossing rate.
//
// All arithmetic is integer, so labels are bit exact across platforms. The
// decision for one frame is:
//
//  1. energy = mean absolute amplitude of the frame.
//  2. speech when energy exceeds the mode's threshold and the zero-crossing
//     rate is below the mode's ceiling (broadband hiss crosses zero far more
//     often than voiced speech).
//
// No state is carried between calls: the label is a function of the frame
// bytes and the mode alone.
package energy

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// tuning per aggressiveness mode, indexed by [vad.Mode].
type tuning struct {
	minEnergy   int64 // speech must exceed this mean |sample|
	maxCrossing int64 // zero crossings per second; 0 disables the check
}

var tunings = [4]tuning{
	{minEnergy: 120, maxCrossing: 0},
	{minEnergy: 200, maxCrossing: 6000},
	{minEnergy: 320, maxCrossing: 4500},
	{minEnergy: 500, maxCrossing: 3200},
}

// Engine creates energy detectors. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = Engine{}

// NewDetector implements [vad.Engine].
func (Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	return New(cfg)
}

// Detector is the energy classifier. It implements [vad.Detector].
type Detector struct {
	cfg  vad.Config
	tune tuning
	size int

	mu     sync.Mutex
	closed bool
}

var _ vad.Detector = (*Detector)(nil)

// New validates cfg and returns a detector.
func New(cfg vad.Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:  cfg,
		tune: tunings[cfg.Mode],
		size: cfg.FrameBytes(),
	}, nil
}

// Classify implements [vad.Detector].
func (d *Detector) Classify(frame []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, fmt.Errorf("energy: detector closed")
	}
	if len(frame) != d.size {
		return false, fmt.Errorf("energy: %w: got %d bytes, want %d", audio.ErrMalformedFrame, len(frame), d.size)
	}

	n := int64(len(frame) / audio.BytesPerSample)
	var (
		sum       int64
		crossings int64
		prev      int16
	)
	for i := int64(0); i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		v := int64(s)
		if v < 0 {
			v = -v
		}
		sum += v
		if i > 0 && (s >= 0) != (prev >= 0) {
			crossings++
		}
		prev = s
	}
	energy := sum / n
	perSecond := crossings * int64(d.cfg.SampleRate) / n

	speech := energy > d.tune.minEnergy
	if speech && d.tune.maxCrossing > 0 && perSecond > d.tune.maxCrossing {
		speech = false
	}
	return speech, nil
}

// Reset implements [vad.Detector]. The classifier keeps no history, so there
// is nothing to clear.
func (d *Detector) Reset() {}

// Close implements [vad.Detector].
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
