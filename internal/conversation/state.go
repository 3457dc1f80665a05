package conversation

import (
	"context"
	"time"
)

// State is the orchestrator's position in the turn cycle.
type State int

const (
	// StateIdle means the loop is not running.
	StateIdle State = iota
	// StateListening means frames are segmented into utterances.
	StateListening
	// StateTranscribing means an utterance is being recognised.
	StateTranscribing
	// StateGenerating means a reply is being produced.
	StateGenerating
	// StateSpeaking means the reply is playing. Frames are still segmented
	// so the user can interrupt.
	StateSpeaking
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// monitors reports whether frames reach the detector in this state.
func (s State) monitors() bool {
	return s == StateListening || s == StateSpeaking
}

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeInterrupted       Outcome = "interrupted"
	OutcomeEmpty             Outcome = "empty"
	OutcomeTranscribeFailed  Outcome = "transcribe_failed"
	OutcomeTranscribeTimeout Outcome = "transcribe_timeout"
	OutcomeGenerateFailed    Outcome = "generate_failed"
	OutcomeGenerateTimeout   Outcome = "generate_timeout"
	OutcomeSpeakFailed       Outcome = "speak_failed"
	OutcomeSpeakTimeout      Outcome = "speak_timeout"
	OutcomeShutdown          Outcome = "shutdown"
)

// Turn is one user utterance and the system's answer to it.
type Turn struct {
	// ID is unique per orchestrator and starts at 1.
	ID uint64

	// UtteranceID is the utterance that opened the turn.
	UtteranceID uint64

	Transcript string
	Reply      string

	// Cancelled is set when the turn was interrupted or shut down.
	Cancelled bool

	// Outcome is empty while the turn is in flight.
	Outcome Outcome

	StartedAt time.Time
}

// turn is the mutable record behind a [Turn]. It is guarded by the
// orchestrator mutex.
type turn struct {
	Turn
	ctx    context.Context
	cancel context.CancelFunc
}

// EventType identifies an [Event].
type EventType int

const (
	EventStateChanged EventType = iota + 1
	EventUtteranceStarted
	EventUtteranceDiscarded
	EventTurnStarted
	EventTurnEnded
	EventBargeIn
	EventDeviceFault
	EventDeviceRecovered
	EventStaleResult
)

// String implements [fmt.Stringer].
func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventUtteranceStarted:
		return "utterance_started"
	case EventUtteranceDiscarded:
		return "utterance_discarded"
	case EventTurnStarted:
		return "turn_started"
	case EventTurnEnded:
		return "turn_ended"
	case EventBargeIn:
		return "barge_in"
	case EventDeviceFault:
		return "device_fault"
	case EventDeviceRecovered:
		return "device_recovered"
	case EventStaleResult:
		return "stale_result"
	default:
		return "unknown"
	}
}

// Event is a notification delivered to an [Observer]. Only the fields
// relevant to Type are set.
type Event struct {
	Type EventType

	// From and To are set for EventStateChanged and EventStaleResult (the
	// refused transition).
	From, To State

	TurnID      uint64
	UtteranceID uint64

	// Outcome is set for EventTurnEnded.
	Outcome Outcome

	// Err carries the cause of a failed turn or device fault.
	Err error

	// Attempt is the consecutive fault count for EventDeviceFault.
	Attempt int

	// Persistent is true once the device fault exceeded the retry budget.
	Persistent bool

	At time.Time
}

// Observer receives events in order on a dedicated goroutine. A slow
// observer loses events rather than stalling the loop.
type Observer func(Event)
