package app

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
)

// SessionInfo is a snapshot of the running conversation.
type SessionInfo struct {
	// SessionID identifies the history the turns are recorded under.
	SessionID string `json:"session_id"`

	// Persona is the configured assistant name.
	Persona string `json:"persona,omitempty"`

	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`

	// State is the current orchestrator state.
	State string `json:"state"`

	// CurrentTurn is the id of the turn in flight, or zero.
	CurrentTurn uint64 `json:"current_turn,omitempty"`

	// Turns counts finished turns by outcome.
	Turns map[string]int `json:"turns"`

	BargeIns      int    `json:"barge_ins"`
	DeviceFaults  int    `json:"device_faults"`
	Faulted       bool   `json:"faulted"`
	StaleResults  int    `json:"stale_results"`
	VADFaults     uint64 `json:"vad_faults"`
	DroppedEvents uint64 `json:"dropped_events"`

	// Transcription holds the recognition latency statistics.
	Transcription map[string]float64 `json:"transcription,omitempty"`
}

// Session tallies orchestrator events for one conversation. It is the
// orchestrator's observer and serves its snapshot as JSON.
// All exported methods are safe for concurrent use.
type Session struct {
	mu   sync.Mutex
	info SessionInfo
	orch *conversation.Orchestrator
}

func newSession(id, persona string) *Session {
	return &Session{info: SessionInfo{
		SessionID: id,
		Persona:   persona,
		StartedAt: time.Now(),
		Turns:     make(map[string]int),
	}}
}

// ID returns the session id.
func (s *Session) ID() string { return s.info.SessionID }

func (s *Session) observe(ev conversation.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case conversation.EventTurnEnded:
		s.info.Turns[string(ev.Outcome)]++
	case conversation.EventBargeIn:
		s.info.BargeIns++
	case conversation.EventDeviceFault:
		s.info.DeviceFaults++
	case conversation.EventStaleResult:
		s.info.StaleResults++
	}
}

// Info returns a snapshot. Live orchestrator fields are read at call time.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := s.info
	info.Turns = make(map[string]int, len(s.info.Turns))
	for k, v := range s.info.Turns {
		info.Turns[k] = v
	}
	orch := s.orch
	s.mu.Unlock()

	if orch != nil {
		info.State = orch.State().String()
		if t, ok := orch.CurrentTurn(); ok {
			info.CurrentTurn = t.ID
		}
		info.Faulted = orch.Faulted()
		info.VADFaults = orch.VADFaults()
		info.DroppedEvents = orch.DroppedEvents()
		info.Transcription = orch.PerformanceMetrics()
	}
	return info
}

// ServeHTTP writes [Session.Info] as JSON.
func (s *Session) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.Info())
}
