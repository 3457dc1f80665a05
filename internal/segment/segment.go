// Package segment turns a per-frame speech/silence label stream into discrete
// utterances.
//
// A [Segmenter] starts an utterance once enough speech frames fall inside a
// short trailing window (the start hold) and ends it once enough silence
// frames fall inside another (the end hold). The holds suppress single-frame
// blips and tolerate short pauses. Frames seen while no utterance is open are
// kept only in a small pre-roll ring so the onset of speech is not clipped;
// everything older is dropped.
package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Config holds the segmenter thresholds. All values are in frames.
type Config struct {
	// StartHold is the number of speech frames within StartWindow required to
	// open an utterance.
	StartHold int

	// EndHold is the number of silence frames within EndWindow required to
	// close an utterance.
	EndHold int

	// StartWindow is the trailing window StartHold is counted over. Zero means
	// StartHold, i.e. consecutive speech frames.
	StartWindow int

	// EndWindow is the trailing window EndHold is counted over. Zero means
	// EndHold, i.e. consecutive silence frames.
	EndWindow int

	// MinFrames is the shortest voiced span, from the first collected frame to
	// the last speech frame, that is forwarded. Shorter utterances are
	// discarded. Zero disables the check.
	MinFrames int

	// MaxFrames force-ends an utterance once it holds this many frames. Zero
	// means unbounded.
	MaxFrames int
}

func (c Config) withDefaults() Config {
	if c.StartWindow == 0 {
		c.StartWindow = c.StartHold
	}
	if c.EndWindow == 0 {
		c.EndWindow = c.EndHold
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	if c.StartHold < 1 {
		errs = append(errs, fmt.Errorf("segment: start hold must be at least 1, got %d", c.StartHold))
	}
	if c.EndHold < 1 {
		errs = append(errs, fmt.Errorf("segment: end hold must be at least 1, got %d", c.EndHold))
	}
	if c.StartWindow < c.StartHold {
		errs = append(errs, fmt.Errorf("segment: start window %d is shorter than start hold %d", c.StartWindow, c.StartHold))
	}
	if c.EndWindow < c.EndHold {
		errs = append(errs, fmt.Errorf("segment: end window %d is shorter than end hold %d", c.EndWindow, c.EndHold))
	}
	if c.MinFrames < 0 {
		errs = append(errs, fmt.Errorf("segment: min frames must not be negative, got %d", c.MinFrames))
	}
	if c.MaxFrames != 0 && c.MaxFrames <= c.StartWindow {
		errs = append(errs, fmt.Errorf("segment: max frames %d must exceed the start window %d", c.MaxFrames, c.StartWindow))
	}
	if c.MaxFrames != 0 && c.MinFrames > c.MaxFrames {
		errs = append(errs, fmt.Errorf("segment: min frames %d exceeds max frames %d", c.MinFrames, c.MaxFrames))
	}
	return errors.Join(errs...)
}

// FramesFor converts a duration to a whole number of frames, rounding up.
func FramesFor(d time.Duration, frameMs int) int {
	if d <= 0 || frameMs <= 0 {
		return 0
	}
	frame := time.Duration(frameMs) * time.Millisecond
	return int((d + frame - 1) / frame)
}

// Label is the speech classification of one frame.
type Label struct {
	Seq    uint64
	Speech bool
}

// Utterance is a contiguous, immutable run of frames.
type Utterance struct {
	// ID increases by one for every utterance a Segmenter opens.
	ID uint64

	// Frames in capture order, including the pre-roll that triggered the
	// start and the trailing silence that triggered the end.
	Frames []audio.AudioFrame

	// Truncated is set when the utterance reached MaxFrames.
	Truncated bool
}

// Duration is the total audio length.
func (u Utterance) Duration() time.Duration {
	var d time.Duration
	for _, f := range u.Frames {
		d += f.Duration()
	}
	return d
}

// Format returns the format of the first frame.
func (u Utterance) Format() audio.Format {
	if len(u.Frames) == 0 {
		return audio.Format{}
	}
	return audio.Format{SampleRate: u.Frames[0].SampleRate, Channels: u.Frames[0].Channels}
}

// PCM returns all frames concatenated.
func (u Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range u.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// EventType distinguishes utterance boundaries.
type EventType int

const (
	// EventStarted is emitted when an utterance opens.
	EventStarted EventType = iota + 1

	// EventEnded is emitted when an utterance closes, is force-ended, or is
	// discarded as too short.
	EventEnded
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "UtteranceStarted"
	case EventEnded:
		return "UtteranceEnded"
	default:
		return "Unknown"
	}
}

// Event is an utterance boundary.
type Event struct {
	Type EventType

	// UtteranceID identifies the utterance the event belongs to.
	UtteranceID uint64

	// Seq is the sequence number of the frame that caused the event.
	Seq uint64

	// Utterance is set on EventEnded unless Discarded.
	Utterance *Utterance

	// Discarded is set on EventEnded when the voiced span was shorter than
	// MinFrames. No audio is attached.
	Discarded bool
}

// Truncated reports whether an ended utterance was force-ended.
func (e Event) Truncated() bool {
	return e.Utterance != nil && e.Utterance.Truncated
}

type slot struct {
	frame  audio.AudioFrame
	speech bool
}

// Segmenter is the utterance state machine. It is not safe for concurrent use;
// the frame-processing goroutine owns it.
type Segmenter struct {
	cfg Config

	talking bool
	nextID  uint64

	// Quiet state: pre-roll ring of the last StartWindow frames.
	pre      []slot
	preHead  int
	preLen   int
	preVoice int

	// Armed state.
	current   *Utterance
	endRing   []bool // true = silence
	endHead   int
	endLen    int
	endSilent int
	lastVoice int

	dropped uint64
}

// New validates cfg and returns a Segmenter in the Quiet state.
func New(cfg Config) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Segmenter{
		cfg:     cfg,
		nextID:  1,
		pre:     make([]slot, cfg.StartWindow),
		endRing: make([]bool, cfg.EndWindow),
	}, nil
}

// Config returns the effective configuration.
func (s *Segmenter) Config() Config { return s.cfg }

// Talking reports whether an utterance is open.
func (s *Segmenter) Talking() bool { return s.talking }

// Dropped returns how many frames were discarded while no utterance was open.
func (s *Segmenter) Dropped() uint64 { return s.dropped }

// Push feeds one labelled frame. It returns the boundary event the frame
// caused, if any. A frame causes at most one event.
func (s *Segmenter) Push(frame audio.AudioFrame, speech bool) (Event, bool) {
	if !s.talking {
		return s.pushQuiet(frame, speech)
	}
	return s.pushArmed(frame, speech)
}

func (s *Segmenter) pushQuiet(frame audio.AudioFrame, speech bool) (Event, bool) {
	w := len(s.pre)
	if s.preLen == w {
		old := s.pre[s.preHead]
		if old.speech {
			s.preVoice--
		}
		s.dropped++
		s.pre[s.preHead] = slot{frame: frame, speech: speech}
		s.preHead = (s.preHead + 1) % w
	} else {
		s.pre[(s.preHead+s.preLen)%w] = slot{frame: frame, speech: speech}
		s.preLen++
	}
	if speech {
		s.preVoice++
	}
	if s.preVoice < s.cfg.StartHold {
		return Event{}, false
	}

	id := s.nextID
	s.nextID++
	u := &Utterance{ID: id, Frames: make([]audio.AudioFrame, 0, s.preLen*4)}
	s.lastVoice = -1
	for i := range s.preLen {
		sl := s.pre[(s.preHead+i)%w]
		u.Frames = append(u.Frames, sl.frame)
		if sl.speech {
			s.lastVoice = len(u.Frames) - 1
		}
	}
	s.clearPre()
	s.current = u
	s.talking = true
	s.endHead, s.endLen, s.endSilent = 0, 0, 0
	return Event{Type: EventStarted, UtteranceID: id, Seq: frame.Seq}, true
}

func (s *Segmenter) pushArmed(frame audio.AudioFrame, speech bool) (Event, bool) {
	u := s.current
	u.Frames = append(u.Frames, frame)
	if speech {
		s.lastVoice = len(u.Frames) - 1
	}

	w := len(s.endRing)
	if s.endLen == w {
		if s.endRing[s.endHead] {
			s.endSilent--
		}
		s.endRing[s.endHead] = !speech
		s.endHead = (s.endHead + 1) % w
	} else {
		s.endRing[(s.endHead+s.endLen)%w] = !speech
		s.endLen++
	}
	if !speech {
		s.endSilent++
	}

	switch {
	case s.endSilent >= s.cfg.EndHold:
		return s.finish(frame.Seq, false), true
	case s.cfg.MaxFrames > 0 && len(u.Frames) >= s.cfg.MaxFrames:
		return s.finish(frame.Seq, true), true
	}
	return Event{}, false
}

func (s *Segmenter) finish(seq uint64, truncated bool) Event {
	u := s.current
	s.current = nil
	s.talking = false
	ev := Event{Type: EventEnded, UtteranceID: u.ID, Seq: seq}
	if s.cfg.MinFrames > 0 && s.lastVoice+1 < s.cfg.MinFrames {
		ev.Discarded = true
		return ev
	}
	u.Truncated = truncated
	ev.Utterance = u
	return ev
}

func (s *Segmenter) clearPre() {
	clear(s.pre)
	s.preHead, s.preLen, s.preVoice = 0, 0, 0
}

// Reset abandons any open utterance and empties the pre-roll. Utterance ids
// keep increasing.
func (s *Segmenter) Reset() {
	s.clearPre()
	s.current = nil
	s.talking = false
	s.endHead, s.endLen, s.endSilent = 0, 0, 0
}
