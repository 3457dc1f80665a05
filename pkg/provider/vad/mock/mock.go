// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that detectors are created with the expected Config.
// Use Detector to script labels and inspect the frames that were classified.
//
// Example:
//
//	det := &mock.Detector{Labels: []bool{false, true, true}}
//	eng := &mock.Engine{Detector: det}
//	d, _ := eng.NewDetector(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// NewDetectorCall records a single invocation of Engine.NewDetector.
type NewDetectorCall struct {
	// Cfg is the Config passed to NewDetector.
	Cfg vad.Config
}

// Engine is a mock implementation of [vad.Engine].
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, a new default Detector is
	// returned.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// NewDetectorCalls records every call to NewDetector in order.
	NewDetectorCalls []NewDetectorCall
}

var _ vad.Engine = (*Engine)(nil)

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = append(e.NewDetectorCalls, NewDetectorCall{Cfg: cfg})
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

// Detector is a mock implementation of [vad.Detector].
type Detector struct {
	mu sync.Mutex

	// Labels are returned by successive Classify calls. Once exhausted,
	// Default is returned.
	Labels []bool

	// Default is returned when Labels is exhausted.
	Default bool

	// Func, when non-nil, decides the label instead of Labels.
	Func func(frame []byte) bool

	// ClassifyErr, if non-nil, is returned by every Classify call.
	ClassifyErr error

	// PanicWith, if non-nil, makes Classify panic with this value.
	PanicWith any

	// ClassifyCalls records a copy of every frame passed to Classify.
	ClassifyCalls [][]byte

	// ResetCalls counts Reset invocations.
	ResetCalls int

	// CloseCalls counts Close invocations.
	CloseCalls int

	next int
}

var _ vad.Detector = (*Detector)(nil)

// Classify records the frame and returns the next scripted label.
func (d *Detector) Classify(frame []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.ClassifyCalls = append(d.ClassifyCalls, cp)
	if d.PanicWith != nil {
		panic(d.PanicWith)
	}
	if d.ClassifyErr != nil {
		return false, d.ClassifyErr
	}
	if d.Func != nil {
		return d.Func(frame), nil
	}
	if d.next < len(d.Labels) {
		l := d.Labels[d.next]
		d.next++
		return l, nil
	}
	return d.Default, nil
}

// Reset records the call and rewinds the scripted labels.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCalls++
	d.next = 0
}

// Close records the call and returns nil.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCalls++
	return nil
}

// Calls returns the number of Classify invocations.
func (d *Detector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ClassifyCalls)
}
