// Package respond produces spoken replies with a language model.
//
// A [Responder] keeps the conversation history of one session, prepends the
// persona system prompt, trims the oldest turns so the prompt fits the model
// context window and writes every completed turn to a [memory.SessionStore].
package respond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("respond: closed")

	// ErrEmptyInput is returned for blank user text.
	ErrEmptyInput = errors.New("respond: empty input")
)

const (
	defaultHistoryTurns = 10

	// interruptedMarker is appended to a reply the user talked over so the
	// model knows the rest was never heard.
	interruptedMarker = " [interrupted]"
)

// Persona is the assistant identity sent with every request.
type Persona struct {
	// Name labels assistant messages.
	Name string

	// SystemPrompt is sent as the system message of every request.
	SystemPrompt string

	// Temperature is passed to the model. Zero means the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means the provider default.
	MaxTokens int
}

// Option configures a [Responder].
type Option func(*Responder)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) {
		r.log = l
	}
}

// WithPersona sets the persona.
func WithPersona(p Persona) Option {
	return func(r *Responder) {
		r.persona = p
	}
}

// WithStore persists turns to s. Without a store history lives in memory only.
func WithStore(s memory.SessionStore) Option {
	return func(r *Responder) {
		r.store = s
	}
}

// WithSessionID sets the session the history belongs to. Defaults to a
// random UUID.
func WithSessionID(id string) Option {
	return func(r *Responder) {
		r.sessionID = id
	}
}

// WithHistoryTurns caps how many past turns are sent with a request.
// Default 10.
func WithHistoryTurns(n int) Option {
	return func(r *Responder) {
		r.historyTurns = n
	}
}

// WithMetrics records provider calls on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Responder) {
		r.metrics = m
	}
}

// WithName sets the provider label used in logs and metrics. Default "llm".
func WithName(name string) Option {
	return func(r *Responder) {
		r.name = name
	}
}

// exchange is one completed turn. turn numbers the stored entries; ref is
// the caller's turn id from [WithTurnID], zero when none was given.
type exchange struct {
	turn   uint64
	ref    uint64
	user   types.Message
	assist types.Message
}

type turnIDKey struct{}

// WithTurnID tags the reply produced under ctx with the caller's turn id so
// [Responder.Interrupted] can find it later.
func WithTurnID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, turnIDKey{}, id)
}

// Responder is safe for concurrent use. Calls are not serialised: each one
// works on a snapshot of the history and a reply is recorded only when its
// context is still live on return.
type Responder struct {
	provider     llm.Provider
	name         string
	persona      Persona
	store        memory.SessionStore
	sessionID    string
	historyTurns int
	metrics      *observe.Metrics
	log          *slog.Logger

	mu      sync.Mutex
	history []exchange
	turns   uint64
	closed  bool
}

// New returns a Responder over p.
func New(p llm.Provider, opts ...Option) (*Responder, error) {
	if p == nil {
		return nil, errors.New("respond: provider must not be nil")
	}
	r := &Responder{
		provider:     p,
		name:         "llm",
		historyTurns: defaultHistoryTurns,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.historyTurns <= 0 {
		return nil, fmt.Errorf("respond: history turns must be positive, got %d", r.historyTurns)
	}
	if r.sessionID == "" {
		r.sessionID = uuid.NewString()
	}
	return r, nil
}

// SessionID returns the session the history is written under.
func (r *Responder) SessionID() string { return r.sessionID }

// Resume loads the newest turns of the session from the store. Entries that
// do not pair up into a user and assistant message are skipped.
func (r *Responder) Resume(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, err := r.store.GetRecent(ctx, r.sessionID, r.historyTurns*2)
	if err != nil {
		return fmt.Errorf("respond: resume session %s: %w", r.sessionID, err)
	}

	var history []exchange
	for i := 0; i+1 < len(entries); i++ {
		u, a := entries[i], entries[i+1]
		if u.Role != types.RoleUser || a.Role != types.RoleAssistant || u.TurnID != a.TurnID {
			continue
		}
		reply := a.Text
		if a.Interrupted {
			reply += interruptedMarker
		}
		history = append(history, exchange{
			turn:   u.TurnID,
			user:   types.Message{Role: types.RoleUser, Content: u.Text},
			assist: types.Message{Role: types.RoleAssistant, Content: reply, Name: r.persona.Name},
		})
		i++
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = history
	if n := len(history); n > 0 {
		r.turns = max(r.turns, history[n-1].turn)
	}
	r.log.Info("respond: session resumed", "session_id", r.sessionID, "turns", len(history))
	return nil
}

// Respond returns the reply to text. A model reply of only whitespace yields
// "" and a nil error; nothing is recorded for it.
func (r *Responder) Respond(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyInput
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	history := append([]exchange(nil), r.history...)
	r.mu.Unlock()

	user := types.Message{Role: types.RoleUser, Content: text}
	req := llm.CompletionRequest{
		Messages:     r.fit(history, user),
		SystemPrompt: r.persona.SystemPrompt,
		Temperature:  r.persona.Temperature,
		MaxTokens:    r.persona.MaxTokens,
	}

	ctx, span := observe.StartSpan(ctx, "generate")
	defer span.End()
	span.SetAttributes(attribute.Int("messages", len(req.Messages)))

	start := time.Now()
	resp, err := r.provider.Complete(ctx, req)
	elapsed := time.Since(start)
	if err == nil && resp == nil {
		err = errors.New("nil response")
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordProviderRequest(ctx, r.name, "llm", "error")
			r.metrics.RecordProviderError(ctx, r.name, "llm")
		}
		span.RecordError(err)
		return "", fmt.Errorf("respond: complete: %w", err)
	}
	if r.metrics != nil {
		r.metrics.RecordProviderRequest(ctx, r.name, "llm", "ok")
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("respond: %w", err)
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		observe.Logger(ctx, r.log).Debug("respond: blank reply", "elapsed", elapsed)
		return "", nil
	}
	ref, _ := ctx.Value(turnIDKey{}).(uint64)

	assist := types.Message{Role: types.RoleAssistant, Content: reply, Name: r.persona.Name}
	r.mu.Lock()
	r.turns++
	turn := r.turns
	r.history = append(r.history, exchange{turn: turn, ref: ref, user: user, assist: assist})
	if over := len(r.history) - r.historyTurns; over > 0 {
		r.history = append([]exchange(nil), r.history[over:]...)
	}
	r.mu.Unlock()

	observe.Logger(ctx, r.log).Debug("respond: reply",
		"turn", turn,
		"elapsed", elapsed,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	r.persist(ctx, turn, text, reply, start)
	return reply, nil
}

// Interrupted records that the reply produced for turnID was cut short by
// the user. It does nothing when no recorded reply carries that id.
func (r *Responder) Interrupted(ctx context.Context, turnID uint64) error {
	if turnID == 0 {
		return nil
	}
	r.mu.Lock()
	var e *exchange
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ref == turnID {
			e = &r.history[i]
			break
		}
	}
	if e == nil {
		r.mu.Unlock()
		return nil
	}
	if !strings.HasSuffix(e.assist.Content, interruptedMarker) {
		e.assist.Content += interruptedMarker
	}
	turn := e.turn
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	if err := r.store.MarkInterrupted(ctx, r.sessionID, turn); err != nil {
		return fmt.Errorf("respond: mark turn %d interrupted: %w", turn, err)
	}
	return nil
}

// History returns the messages that would precede the next user message.
func (r *Responder) History() []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Message, 0, len(r.history)*2)
	for _, e := range r.history {
		out = append(out, e.user, e.assist)
	}
	return out
}

// Close rejects further calls. The store belongs to the caller.
func (r *Responder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// fit returns the newest history that, with the system prompt and user,
// fits the model context window minus the reply budget. The user message is
// always sent.
func (r *Responder) fit(history []exchange, user types.Message) []types.Message {
	caps := r.provider.Capabilities()
	budget := 0
	if caps.ContextWindow > 0 {
		reserve := r.persona.MaxTokens
		if reserve <= 0 {
			reserve = caps.MaxOutputTokens
		}
		budget = caps.ContextWindow - reserve
	}

	build := func(h []exchange) []types.Message {
		msgs := make([]types.Message, 0, len(h)*2+2)
		if r.persona.SystemPrompt != "" {
			msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: r.persona.SystemPrompt})
		}
		for _, e := range h {
			msgs = append(msgs, e.user, e.assist)
		}
		return append(msgs, user)
	}

	for budget > 0 && len(history) > 0 {
		n, err := r.provider.CountTokens(build(history))
		if err != nil {
			n = llm.EstimateTokens(build(history))
		}
		if n <= budget {
			break
		}
		history = history[1:]
	}

	msgs := build(history)
	if r.persona.SystemPrompt != "" {
		// The prompt travels in CompletionRequest.SystemPrompt.
		msgs = msgs[1:]
	}
	return msgs
}

func (r *Responder) persist(ctx context.Context, turn uint64, text, reply string, at time.Time) {
	if r.store == nil {
		return
	}
	// The turn is recorded even if the caller gives up right after.
	ctx = context.WithoutCancel(ctx)
	for _, e := range []types.TranscriptEntry{
		{SessionID: r.sessionID, TurnID: turn, Role: types.RoleUser, Text: text, Timestamp: at},
		{SessionID: r.sessionID, TurnID: turn, Role: types.RoleAssistant, Text: reply, Timestamp: time.Now()},
	} {
		if err := r.store.WriteEntry(ctx, e); err != nil {
			r.log.Warn("respond: persist turn", "turn", turn, "role", e.Role, "err", err)
			return
		}
	}
}
