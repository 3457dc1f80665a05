package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/segment"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/vad"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
)

const (
	testRate    = 16000
	testFrameMs = 20
	waitBudget  = 2 * time.Second
)

var errStopped = errors.New("fake speaker: stopped")

// ─── Capture ─────────────────────────────────────────────────────────────────

type captureItem struct {
	frame audio.AudioFrame
	err   error
}

// fakeCapture hands out pushed frames and errors in order and blocks on ctx
// when it has none. lag delays the return after ctx is done.
type fakeCapture struct {
	items chan captureItem
	lag   time.Duration

	mu          sync.Mutex
	seq         uint64
	entries     int
	inflight    int
	maxInflight int
	deliveredAt []time.Time
	closeCalls  int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{items: make(chan captureItem, 256)}
}

func (c *fakeCapture) Capture(ctx context.Context) (audio.AudioFrame, error) {
	c.mu.Lock()
	c.entries++
	c.inflight++
	c.maxInflight = max(c.maxInflight, c.inflight)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		time.Sleep(c.lag)
		return audio.AudioFrame{}, ctx.Err()
	case it := <-c.items:
		c.mu.Lock()
		c.deliveredAt = append(c.deliveredAt, time.Now())
		c.mu.Unlock()
		return it.frame, it.err
	}
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *fakeCapture) push(n int, speech bool) {
	for range n {
		c.mu.Lock()
		seq := c.seq
		c.seq++
		c.mu.Unlock()
		data := make([]byte, audio.FrameBytes(testRate, testFrameMs))
		if speech {
			for i := range data {
				data[i] = 1
			}
		}
		c.items <- captureItem{frame: audio.AudioFrame{
			Data:       data,
			SampleRate: testRate,
			Channels:   1,
			Seq:        seq,
			Timestamp:  time.Duration(seq) * testFrameMs * time.Millisecond,
		}}
	}
}

func (c *fakeCapture) speech(n int)  { c.push(n, true) }
func (c *fakeCapture) silence(n int) { c.push(n, false) }

func (c *fakeCapture) fail(err error) { c.items <- captureItem{err: err} }

// waitConsumed blocks until the loop asked for a frame after receiving n, so
// the first n items have been fully processed.
func (c *fakeCapture) waitConsumed(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "frames consumed", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.deliveredAt) >= n && c.entries > n
	})
}

// ─── Transcriber ─────────────────────────────────────────────────────────────

type fakeTranscriber struct {
	mu         sync.Mutex
	fn         func(ctx context.Context, call int, u segment.Utterance) (string, error)
	utterances []segment.Utterance
	closeCalls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, u segment.Utterance) (string, error) {
	f.mu.Lock()
	f.utterances = append(f.utterances, u)
	call, fn := len(f.utterances), f.fn
	f.mu.Unlock()
	if fn == nil {
		return "hello", nil
	}
	return fn(ctx, call, u)
}

func (f *fakeTranscriber) UpdateConfig(stt.Options) error { return nil }

func (f *fakeTranscriber) PerformanceMetrics() map[string]float64 {
	return map[string]float64{"requests": float64(f.calls())}
}

func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeTranscriber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.utterances)
}

func (f *fakeTranscriber) utterance(i int) segment.Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utterances[i]
}

// ─── Responder ───────────────────────────────────────────────────────────────

type fakeResponder struct {
	mu          sync.Mutex
	fn          func(ctx context.Context, text string) (string, error)
	inputs      []string
	interrupted []uint64
	closeCalls  int
}

func (f *fakeResponder) Respond(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, text)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return "hi there", nil
	}
	return fn(ctx, text)
}

func (f *fakeResponder) Interrupted(_ context.Context, turnID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = append(f.interrupted, turnID)
	return nil
}

func (f *fakeResponder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeResponder) snapshot() (inputs []string, interrupted []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...), append([]uint64(nil), f.interrupted...)
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// fakeSpeaker returns at once unless hold is set, in which case Speak blocks
// until StopNow or ctx is done. With playedOnStop a stopped Speak reports
// success, as when the last sample went out just before StopNow.
type fakeSpeaker struct {
	hold         bool
	playedOnStop bool
	err          error

	stop chan struct{}

	mu         sync.Mutex
	texts      []string
	stops      int
	stopAt     []time.Time
	stopStates []State
	closeCalls int
	o          *Orchestrator
}

func newFakeSpeaker() *fakeSpeaker {
	return &fakeSpeaker{stop: make(chan struct{}, 1)}
}

func (s *fakeSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if !s.hold {
		return nil
	}
	select {
	case <-s.stop:
		if s.playedOnStop {
			return nil
		}
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSpeaker) StopNow() {
	s.mu.Lock()
	s.stops++
	s.stopAt = append(s.stopAt, time.Now())
	o := s.o
	s.mu.Unlock()
	if o != nil {
		st := o.State()
		s.mu.Lock()
		s.stopStates = append(s.stopStates, st)
		s.mu.Unlock()
	}
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *fakeSpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

func (s *fakeSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *fakeSpeaker) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// ─── Observer ────────────────────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofType(typ EventType) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// waitEvent blocks until an event of typ matching pred has been observed.
func (r *recorder) waitEvent(t *testing.T, typ EventType, pred func(Event) bool) Event {
	t.Helper()
	var found Event
	waitFor(t, "event "+typ.String(), func() bool {
		for _, ev := range r.ofType(typ) {
			if pred == nil || pred(ev) {
				found = ev
				return true
			}
		}
		return false
	})
	return found
}

// ─── Harness ─────────────────────────────────────────────────────────────────

type harness struct {
	o       *Orchestrator
	capture *fakeCapture
	stt     *fakeTranscriber
	llm     *fakeResponder
	tts     *fakeSpeaker
	det     *vadmock.Detector
	rec     *recorder
	reader  *sdkmetric.ManualReader
	runErr  chan error
}

func testConfig() Config {
	return Config{
		VAD:           vad.Config{SampleRate: testRate, FrameSizeMs: testFrameMs, Mode: vad.ModeBalanced},
		Segmenter:     segment.Config{StartHold: 3, EndHold: 3},
		DeviceBackoff: resilience.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

// newHarness builds and starts an orchestrator over fakes. setup may adjust
// the config and the fakes before New.
func newHarness(t *testing.T, setup func(*Config, *harness)) *harness {
	t.Helper()
	h := &harness{
		capture: newFakeCapture(),
		stt:     &fakeTranscriber{},
		llm:     &fakeResponder{},
		tts:     newFakeSpeaker(),
		det:     &vadmock.Detector{Func: func(frame []byte) bool { return frame[0] != 0 }},
		rec:     &recorder{},
		reader:  sdkmetric.NewManualReader(),
		runErr:  make(chan error, 1),
	}
	cfg := testConfig()
	if setup != nil {
		setup(&cfg, h)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	o, err := New(cfg, Deps{
		Capture:     h.capture,
		VAD:         &vadmock.Engine{Detector: h.det},
		Transcriber: h.stt,
		Responder:   h.llm,
		Speaker:     h.tts,
	}, WithMetrics(m), WithObserver(h.rec.observe), WithEventBuffer(1024))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o
	h.tts.mu.Lock()
	h.tts.o = o
	h.tts.mu.Unlock()

	go func() { h.runErr <- o.Run(context.Background()) }()
	waitFor(t, "listening", func() bool { return o.State() == StateListening })

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitBudget)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return h
}

// utterance pushes one complete utterance: enough speech to start it and
// enough silence to end it.
func (h *harness) utterance() {
	h.capture.speech(3)
	h.capture.silence(3)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.o.State() == want })
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
