// Package conversation coordinates turn taking between a user and the
// system.
//
// An [Orchestrator] pulls frames from a [Capture], classifies them with a
// voice activity detector and groups them into utterances. Each accepted
// utterance opens a turn that a worker goroutine carries through
// transcription, reply generation and playback:
//
//	Idle ─Run─▶ Listening ─utterance─▶ Transcribing ─text─▶ Generating ─reply─▶ Speaking
//	               ▲  ▲                     │ fail/empty          │ fail             │ done
//	               │  └─────────────────────┴─────────────────────┘                  │
//	               └───────────────── done / barge-in ────────────────────────────────┘
//
// Frames keep flowing through the detector while Speaking. When the user
// starts talking over the reply the in-flight turn is cancelled, the state
// returns to Listening and playback is stopped before the next frame is
// read; the interrupting speech becomes the start of the next utterance.
//
// All state lives behind one mutex that is never held across a
// collaborator call. Worker results are applied only when their turn is
// still current, so late results from a cancelled turn are dropped.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/adapter"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/respond"
	"github.com/MrWong99/parley/internal/segment"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

var (
	// ErrClosed is returned by Run after Shutdown.
	ErrClosed = errors.New("conversation: orchestrator shut down")

	// ErrRunning is returned by a second concurrent Run call.
	ErrRunning = errors.New("conversation: already running")

	// ErrNotRunning is reported by Ready before Run.
	ErrNotRunning = errors.New("conversation: not running")
)

const defaultEventBuffer = 64

// Orchestrator runs the turn-taking loop. Create one with [New], start it
// with Run and stop it with Shutdown.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	metrics  *observe.Metrics
	observer Observer

	eventBuffer int

	guard *vad.Guard
	// seg is only touched by the frame goroutine.
	seg *segment.Segmenter

	workers sync.WaitGroup

	mu        sync.Mutex
	state     State
	current   *turn
	nextTurn  uint64
	faults    int
	faulted   bool
	running   bool
	closing   bool
	runCtx    context.Context
	cancelRun context.CancelFunc
	loopDone  chan struct{}

	events       chan Event
	eventsClosed bool
	dispatchDone chan struct{}
	dropped      uint64

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg, creates the detector and returns an idle orchestrator.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		log:         slog.Default(),
		eventBuffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	det, err := deps.VAD.NewDetector(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("conversation: create detector: %w", err)
	}
	o.guard = vad.NewGuard(det, cfg.VAD,
		vad.WithGuardLogger(o.log),
		vad.WithFaultHook(func(error) {
			o.metrics.VADFaults.Add(context.Background(), 1)
		}),
	)
	seg, err := segment.New(cfg.Segmenter)
	if err != nil {
		_ = det.Close()
		return nil, fmt.Errorf("conversation: create segmenter: %w", err)
	}
	o.seg = seg

	if o.observer != nil {
		if o.eventBuffer <= 0 {
			o.eventBuffer = defaultEventBuffer
		}
		o.events = make(chan Event, o.eventBuffer)
	}
	o.metrics.RecordStateChange(context.Background(), "", StateIdle.String())
	return o, nil
}

// ─── Snapshot ────────────────────────────────────────────────────────────────

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CurrentTurn returns a copy of the in-flight turn, if any.
func (o *Orchestrator) CurrentTurn() (Turn, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Turn{}, false
	}
	return o.current.Turn, true
}

// Faulted reports whether the capture device has failed more than the retry
// budget allows without recovering.
func (o *Orchestrator) Faulted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.faulted
}

// VADFaults returns the number of frames the detector could not classify.
func (o *Orchestrator) VADFaults() uint64 { return o.guard.Faults() }

// DroppedEvents returns how many observer events were lost because the
// observer fell behind.
func (o *Orchestrator) DroppedEvents() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Ready is a readiness probe. It fails before Run, after Shutdown and while
// the capture device is persistently faulted.
func (o *Orchestrator) Ready(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.closing:
		return ErrClosed
	case !o.running:
		return ErrNotRunning
	case o.faulted:
		return fmt.Errorf("conversation: capture failed %d times: %w", o.faults, adapter.ErrDeviceFault)
	}
	return nil
}

// PerformanceMetrics returns the transcriber's latency figures.
func (o *Orchestrator) PerformanceMetrics() map[string]float64 {
	return o.deps.Transcriber.PerformanceMetrics()
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Run enters Listening and processes frames until ctx is done or Shutdown is
// called. It returns nil after Shutdown and ctx.Err() when ctx ends first.
// Collaborator failures never end Run.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.closing:
		o.mu.Unlock()
		return ErrClosed
	case o.running:
		o.mu.Unlock()
		return ErrRunning
	}
	o.running = true
	o.runCtx, o.cancelRun = context.WithCancel(ctx)
	o.loopDone = make(chan struct{})
	if o.events != nil && o.dispatchDone == nil {
		o.dispatchDone = make(chan struct{})
		go o.dispatch()
	}
	runCtx, loopDone := o.runCtx, o.loopDone
	o.setStateLocked(StateListening)
	o.mu.Unlock()

	defer close(loopDone)
	o.log.Info("conversation started",
		"sample_rate", o.cfg.VAD.SampleRate,
		"frame_ms", o.cfg.VAD.FrameSizeMs,
		"vad_mode", int(o.cfg.VAD.Mode),
	)
	o.loop(runCtx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return nil
	}
	o.cancelCurrentLocked(OutcomeShutdown)
	o.setStateLocked(StateIdle)
	o.running = false
	o.cancelRun()
	return ctx.Err()
}

// Shutdown cancels in-flight work, waits for the frame loop and workers
// until ctx is done, then closes every collaborator. Each cleanup runs even
// if another fails. Shutdown is idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.shutdownErr = o.shutdown(ctx)
	})
	return o.shutdownErr
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	speaking := o.state == StateSpeaking
	o.cancelCurrentLocked(OutcomeShutdown)
	o.setStateLocked(StateIdle)
	cancel, loopDone := o.cancelRun, o.loopDone
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if speaking {
		o.stopPlayback()
	}

	var errs []error
	settled := make(chan struct{})
	go func() {
		if loopDone != nil {
			<-loopDone
		}
		o.workers.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("conversation: shutdown: waiting for workers: %w", ctx.Err()))
	}

	if err := adapter.CloseAll(o.log,
		adapter.Named{Name: "capture", Closer: o.deps.Capture},
		adapter.Named{Name: "transcriber", Closer: o.deps.Transcriber},
		adapter.Named{Name: "responder", Closer: o.deps.Responder},
		adapter.Named{Name: "speaker", Closer: o.deps.Speaker},
		adapter.Named{Name: "vad", Closer: o.guard},
	); err != nil {
		errs = append(errs, err)
	}

	o.mu.Lock()
	o.eventsClosed = true
	if o.events != nil {
		close(o.events)
	}
	dispatchDone := o.dispatchDone
	o.mu.Unlock()
	if dispatchDone != nil {
		select {
		case <-dispatchDone:
		case <-ctx.Done():
		}
	}

	o.log.Info("conversation stopped")
	return errors.Join(errs...)
}

// ─── Frame loop ──────────────────────────────────────────────────────────────

func (o *Orchestrator) loop(ctx context.Context) {
	for ctx.Err() == nil {
		// Capture is single-goroutine, so the loop waits for it even past
		// ctx; Run then cannot return while a read is still in flight.
		out := adapter.Invoke(ctx, "capture", o.deps.Capture.Capture)
		switch {
		case out.OK():
			o.onFrame(ctx, out.Value)
		case ctx.Err() != nil:
			return
		case errors.Is(out.Err, audio.ErrNoSignal):
		default:
			o.deviceFault(ctx, out.Status, out.AsError())
		}
	}
}

func (o *Orchestrator) onFrame(ctx context.Context, f audio.AudioFrame) {
	o.mu.Lock()
	if o.faults > 0 {
		o.log.Info("capture device recovered", "faults", o.faults)
		o.faults = 0
		o.faulted = false
		o.emitLocked(Event{Type: EventDeviceRecovered})
	}
	st := o.state
	o.mu.Unlock()

	if !st.monitors() {
		return
	}
	speech := o.guard.DetectSpeechInFrame(f.Data)
	ev, ok := o.seg.Push(f, speech)
	if !ok {
		return
	}
	switch ev.Type {
	case segment.EventStarted:
		o.utteranceStarted(ctx, ev)
	case segment.EventEnded:
		if ev.Discarded {
			o.log.Debug("utterance discarded", "utterance_id", ev.UtteranceID)
			o.mu.Lock()
			o.emitLocked(Event{Type: EventUtteranceDiscarded, UtteranceID: ev.UtteranceID})
			o.mu.Unlock()
			return
		}
		o.beginTurn(ev.Utterance)
	}
}

// utteranceStarted handles the start of speech. During Speaking it is a
// barge-in: the turn is cancelled and Listening set under the lock, then
// playback is stopped from this goroutine before the next frame is read.
func (o *Orchestrator) utteranceStarted(ctx context.Context, ev segment.Event) {
	o.mu.Lock()
	var interrupted uint64
	if o.state == StateSpeaking && o.current != nil {
		interrupted = o.current.ID
		o.cancelCurrentLocked(OutcomeInterrupted)
		o.setStateLocked(StateListening)
		o.emitLocked(Event{Type: EventBargeIn, TurnID: interrupted, UtteranceID: ev.UtteranceID})
	}
	o.emitLocked(Event{Type: EventUtteranceStarted, UtteranceID: ev.UtteranceID})
	o.mu.Unlock()

	if interrupted == 0 {
		o.log.Debug("utterance started", "utterance_id", ev.UtteranceID, "seq", ev.Seq)
		return
	}
	o.stopPlayback()
	o.metrics.BargeIns.Add(ctx, 1)
	o.log.Info("barge-in", "turn_id", interrupted, "utterance_id", ev.UtteranceID, "seq", ev.Seq)
}

func (o *Orchestrator) stopPlayback() {
	out := adapter.Do(context.Background(), "speaker", 0, func(context.Context) error {
		o.deps.Speaker.StopNow()
		return nil
	})
	if !out.OK() {
		o.log.Warn("conversation: stop playback", "error", out.Err)
	}
}

func (o *Orchestrator) beginTurn(u *segment.Utterance) {
	o.mu.Lock()
	if o.state != StateListening || o.closing {
		st := o.state
		o.mu.Unlock()
		o.log.Debug("utterance dropped outside listening", "utterance_id", u.ID, "state", st.String())
		return
	}
	o.nextTurn++
	tctx, cancel := context.WithCancel(o.runCtx)
	t := &turn{
		Turn: Turn{
			ID:          o.nextTurn,
			UtteranceID: u.ID,
			StartedAt:   time.Now(),
		},
		ctx:    tctx,
		cancel: cancel,
	}
	o.current = t
	o.setStateLocked(StateTranscribing)
	o.emitLocked(Event{Type: EventTurnStarted, TurnID: t.ID, UtteranceID: u.ID})
	o.workers.Add(1)
	o.mu.Unlock()

	o.log.Debug("turn started",
		"turn_id", t.ID,
		"utterance_id", u.ID,
		"duration", u.Duration(),
		"truncated", u.Truncated,
	)
	go o.runTurn(t, *u)
}

// deviceFault records one failed capture and waits out the backoff.
func (o *Orchestrator) deviceFault(ctx context.Context, status adapter.Status, err error) {
	o.mu.Lock()
	o.faults++
	n := o.faults
	persistent := n >= o.cfg.MaxDeviceRetries
	newlyFaulted := persistent && !o.faulted
	o.faulted = persistent
	o.emitLocked(Event{Type: EventDeviceFault, Err: err, Attempt: n, Persistent: persistent})
	o.mu.Unlock()

	o.metrics.DeviceFaults.Add(ctx, 1)
	// The utterance in progress is broken by the gap.
	o.seg.Reset()
	o.guard.Reset()

	delay := o.cfg.DeviceBackoff.Delay(n - 1)
	if newlyFaulted {
		o.log.Error("capture device persistently unavailable", "attempt", n, "status", status.String(), "error", err, "retry_in", delay)
	} else {
		o.log.Warn("capture device fault", "attempt", n, "status", status.String(), "error", err, "retry_in", delay)
	}
	_ = o.cfg.DeviceBackoff.Wait(ctx, n-1)
}

// ─── Turn worker ─────────────────────────────────────────────────────────────

func (o *Orchestrator) runTurn(t *turn, u segment.Utterance) {
	defer o.workers.Done()

	ctx, span := observe.StartSpan(t.ctx, "conversation.turn")
	defer span.End()
	log := observe.Logger(ctx, o.log).With("turn_id", t.ID, "utterance_id", t.UtteranceID)
	defer func() {
		o.metrics.RecordStage(context.WithoutCancel(ctx), observe.StageTurn, time.Since(t.StartedAt))
	}()

	// Transcribing
	began := time.Now()
	heard := adapter.Call(ctx, "transcriber", o.cfg.TranscribeTimeout, func(ctx context.Context) (string, error) {
		return o.deps.Transcriber.Transcribe(ctx, u)
	})
	o.metrics.RecordStage(ctx, observe.StageTranscribe, time.Since(began))
	if !heard.OK() {
		o.finish(log, t, StateTranscribing, stageOutcome(heard.Status, OutcomeTranscribeTimeout, OutcomeTranscribeFailed), heard.AsError())
		return
	}
	text := strings.TrimSpace(heard.Value)
	if text == "" {
		o.finish(log, t, StateTranscribing, OutcomeEmpty, nil)
		return
	}
	if !o.advance(t.ID, StateTranscribing, StateGenerating, func(t *turn) { t.Transcript = text }) {
		o.finish(log, t, StateTranscribing, "", nil)
		return
	}
	log.Debug("transcribed", "text", text, "latency", time.Since(began))

	// Generating
	began = time.Now()
	answer := adapter.Call(ctx, "responder", o.cfg.GenerateTimeout, func(ctx context.Context) (string, error) {
		return o.deps.Responder.Respond(respond.WithTurnID(ctx, t.ID), text)
	})
	o.metrics.RecordStage(ctx, observe.StageGenerate, time.Since(began))
	if !answer.OK() {
		o.finish(log, t, StateGenerating, stageOutcome(answer.Status, OutcomeGenerateTimeout, OutcomeGenerateFailed), answer.AsError())
		return
	}
	reply := strings.TrimSpace(answer.Value)
	if reply == "" {
		o.finish(log, t, StateGenerating, OutcomeEmpty, nil)
		return
	}
	if !o.advance(t.ID, StateGenerating, StateSpeaking, func(t *turn) { t.Reply = reply }) {
		o.finish(log, t, StateGenerating, "", nil)
		return
	}
	log.Debug("reply ready", "chars", len(reply), "latency", time.Since(began))

	// Speaking
	began = time.Now()
	played := adapter.Do(ctx, "speaker", o.cfg.SpeakTimeout, func(ctx context.Context) error {
		return o.deps.Speaker.Speak(ctx, reply)
	})
	o.metrics.RecordStage(ctx, observe.StageSpeak, time.Since(began))
	if played.Status == adapter.StatusTimeout {
		o.stopPlayback()
	}
	switch {
	case played.OK():
		o.finish(log, t, StateSpeaking, OutcomeCompleted, nil)
	default:
		o.finish(log, t, StateSpeaking, stageOutcome(played.Status, OutcomeSpeakTimeout, OutcomeSpeakFailed), played.AsError())
	}

	// A reply that finished playing before the barge-in landed was heard in
	// full.
	if !played.OK() && o.outcome(t) == OutcomeInterrupted {
		if r, ok := o.deps.Responder.(Interruptible); ok {
			out := adapter.Do(context.WithoutCancel(ctx), "responder", o.cfg.GenerateTimeout, func(ctx context.Context) error {
				return r.Interrupted(ctx, t.ID)
			})
			if !out.OK() {
				log.Warn("conversation: mark reply interrupted", "error", out.Err)
			}
		}
	}
}

func stageOutcome(s adapter.Status, timeout, failed Outcome) Outcome {
	if s == adapter.StatusTimeout {
		return timeout
	}
	return failed
}

// advance moves the state from one stage to the next on behalf of turn id.
// It refuses, and counts a stale result, when id is no longer the current
// turn or the state is no longer from. update runs under the lock on
// success.
func (o *Orchestrator) advance(id uint64, from, to State, update func(*turn)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.ID != id || o.state != from {
		o.staleLocked(id, from, to)
		return false
	}
	if update != nil {
		update(o.current)
	}
	o.setStateLocked(to)
	return true
}

// finish ends turn t that was last in state from. When t is still current
// the state returns to Listening; otherwise the result is stale. An outcome
// already set by a cancellation wins over outcome.
func (o *Orchestrator) finish(log *slog.Logger, t *turn, from State, outcome Outcome, err error) {
	o.mu.Lock()
	if o.current == t && o.state == from {
		o.current = nil
		o.setStateLocked(StateListening)
	} else if outcome != "" {
		o.staleLocked(t.ID, from, StateListening)
	}
	t.cancel()
	if t.Outcome == "" {
		t.Outcome = outcome
	}
	final := t.Outcome
	o.metrics.RecordTurn(context.Background(), string(final))
	o.emitLocked(Event{Type: EventTurnEnded, TurnID: t.ID, UtteranceID: t.UtteranceID, Outcome: final, Err: err})
	o.mu.Unlock()

	switch {
	case err != nil && !t.Cancelled:
		log.Warn("turn failed", "outcome", string(final), "error", err)
	default:
		log.Info("turn ended", "outcome", string(final), "elapsed", time.Since(t.StartedAt))
	}
}

func (o *Orchestrator) outcome(t *turn) Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return t.Outcome
}

// ─── State helpers (o.mu held) ───────────────────────────────────────────────

func (o *Orchestrator) setStateLocked(to State) {
	from := o.state
	if from == to {
		return
	}
	o.state = to
	o.metrics.RecordStateChange(context.Background(), from.String(), to.String())
	o.emitLocked(Event{Type: EventStateChanged, From: from, To: to})
}

func (o *Orchestrator) cancelCurrentLocked(outcome Outcome) {
	t := o.current
	if t == nil {
		return
	}
	t.Cancelled = true
	if t.Outcome == "" {
		t.Outcome = outcome
	}
	t.cancel()
	o.current = nil
}

func (o *Orchestrator) staleLocked(id uint64, from, to State) {
	o.metrics.StaleResults.Add(context.Background(), 1)
	o.log.Debug("conversation: result refused",
		"turn_id", id,
		"from", from.String(),
		"to", to.String(),
		"state", o.state.String(),
		"error", adapter.ErrStaleResult,
	)
	o.emitLocked(Event{Type: EventStaleResult, TurnID: id, From: from, To: to, Err: adapter.ErrStaleResult})
}

func (o *Orchestrator) emitLocked(ev Event) {
	if o.events == nil || o.eventsClosed {
		return
	}
	ev.At = time.Now()
	select {
	case o.events <- ev:
	default:
		o.dropped++
	}
}

func (o *Orchestrator) dispatch() {
	defer close(o.dispatchDone)
	for ev := range o.events {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("conversation: observer panic", "event", ev.Type.String(), "panic", r)
				}
			}()
			o.observer(ev)
		}()
	}
}
