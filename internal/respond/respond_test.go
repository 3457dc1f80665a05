package respond_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/respond"
	"github.com/MrWong99/parley/pkg/memory"
	memorymock "github.com/MrWong99/parley/pkg/memory/mock"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// echo answers every request with "re: <last user message>".
func echo(p *llmmock.Provider) {
	p.CompleteFunc = func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		return &llm.CompletionResponse{Content: "re: " + last.Content}, nil
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := respond.New(nil); err == nil {
		t.Error("nil provider: expected error")
	}
	if _, err := respond.New(&llmmock.Provider{}, respond.WithHistoryTurns(0)); err == nil {
		t.Error("zero history: expected error")
	}
	r, err := respond.New(&llmmock.Provider{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.SessionID() == "" {
		t.Error("default session id is empty")
	}
}

func TestRespond_SendsPersonaAndHistory(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{}
	echo(p)
	r, _ := respond.New(p, respond.WithPersona(respond.Persona{
		Name:         "Ada",
		SystemPrompt: "You are Ada.",
		Temperature:  0.4,
		MaxTokens:    64,
	}))
	ctx := context.Background()

	if got, err := r.Respond(ctx, "  hello "); err != nil || got != "re: hello" {
		t.Fatalf("Respond = %q, %v", got, err)
	}
	if _, err := r.Respond(ctx, "how are you"); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	calls := p.Completions()
	if len(calls) != 2 {
		t.Fatalf("Complete calls = %d, want 2", len(calls))
	}
	req := calls[1].Req
	if req.SystemPrompt != "You are Ada." || req.Temperature != 0.4 || req.MaxTokens != 64 {
		t.Errorf("request persona = %q/%v/%d", req.SystemPrompt, req.Temperature, req.MaxTokens)
	}
	want := []types.Message{
		{Role: types.RoleUser, Content: "hello"},
		{Role: types.RoleAssistant, Content: "re: hello", Name: "Ada"},
		{Role: types.RoleUser, Content: "how are you"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages = %+v, want %+v", req.Messages, want)
	}
	for i := range want {
		if req.Messages[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, req.Messages[i], want[i])
		}
	}
}

func TestRespond_HistoryBoundedByTurns(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{}
	echo(p)
	r, _ := respond.New(p, respond.WithHistoryTurns(2))
	for _, s := range []string{"a", "b", "c", "d"} {
		if _, err := r.Respond(context.Background(), s); err != nil {
			t.Fatalf("Respond(%s): %v", s, err)
		}
	}
	h := r.History()
	if len(h) != 4 || h[0].Content != "c" || h[3].Content != "re: d" {
		t.Errorf("History = %+v, want turns c and d", h)
	}
}

func TestRespond_TrimsToContextWindow(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		TokenCount:        -1,
		ModelCapabilities: types.ModelCapabilities{ContextWindow: 60, MaxOutputTokens: 20},
	}
	echo(p)
	r, _ := respond.New(p)
	ctx := context.Background()

	long := strings.Repeat("word ", 20)
	for range 3 {
		if _, err := r.Respond(ctx, long); err != nil {
			t.Fatalf("Respond: %v", err)
		}
	}
	if _, err := r.Respond(ctx, "short"); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	calls := p.Completions()
	req := calls[len(calls)-1].Req
	if n := llm.EstimateTokens(req.Messages); n > 40 {
		t.Errorf("prompt estimate = %d tokens, want <= 40", n)
	}
	if last := req.Messages[len(req.Messages)-1]; last.Content != "short" {
		t.Errorf("last message = %q, want the user text", last.Content)
	}
}

func TestRespond_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("rate limited")
	tests := []struct {
		name    string
		setup   func(*llmmock.Provider)
		input   string
		wantErr error
	}{
		{name: "empty input", setup: echo, input: "   ", wantErr: respond.ErrEmptyInput},
		{name: "provider error", setup: func(p *llmmock.Provider) { p.CompleteErr = boom }, input: "hi", wantErr: boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &llmmock.Provider{}
			tt.setup(p)
			r, _ := respond.New(p)
			if _, err := r.Respond(context.Background(), tt.input); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if len(r.History()) != 0 {
				t.Error("failed turn was recorded")
			}
		})
	}
}

func TestRespond_CancelledCallIsNotRecorded(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := &llmmock.Provider{CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		cancel()
		return &llm.CompletionResponse{Content: "late"}, nil
	}}
	store := &memorymock.SessionStore{}
	r, _ := respond.New(p, respond.WithStore(store))

	if _, err := r.Respond(ctx, "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(r.History()) != 0 || store.CallCount("WriteEntry") != 0 {
		t.Error("cancelled turn was recorded")
	}
}

func TestRespond_PersistsAndResumes(t *testing.T) {
	t.Parallel()

	store := memory.NewMemStore()
	p := &llmmock.Provider{}
	echo(p)
	ctx := context.Background()

	r, _ := respond.New(p, respond.WithStore(store), respond.WithSessionID("s1"))
	_, _ = r.Respond(respond.WithTurnID(ctx, 11), "first")
	_, _ = r.Respond(respond.WithTurnID(ctx, 12), "second")
	if err := r.Interrupted(ctx, 12); err != nil {
		t.Fatalf("Interrupted: %v", err)
	}

	entries, _ := store.GetRecent(ctx, "s1", 0)
	if len(entries) != 4 {
		t.Fatalf("stored %d entries, want 4", len(entries))
	}
	if entries[2].TurnID != 2 || entries[2].Role != types.RoleUser || entries[3].Role != types.RoleAssistant {
		t.Errorf("turn 2 entries = %+v", entries[2:])
	}
	if !entries[3].Interrupted || entries[1].Interrupted {
		t.Error("only the last reply should be marked interrupted")
	}

	resumed, _ := respond.New(p, respond.WithStore(store), respond.WithSessionID("s1"))
	if err := resumed.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h := resumed.History()
	if len(h) != 4 {
		t.Fatalf("resumed history = %+v", h)
	}
	if h[3].Content != "re: second [interrupted]" {
		t.Errorf("resumed reply = %q", h[3].Content)
	}

	_, _ = resumed.Respond(ctx, "third")
	entries, _ = store.GetRecent(ctx, "s1", 2)
	if entries[0].TurnID != 3 {
		t.Errorf("turn after resume = %d, want 3", entries[0].TurnID)
	}
}

func TestRespond_BlankReply(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: " \n"}}
	store := &memorymock.SessionStore{}
	r, _ := respond.New(p, respond.WithStore(store))

	got, err := r.Respond(context.Background(), "hi")
	if err != nil || got != "" {
		t.Fatalf("Respond = %q, %v; want empty reply and no error", got, err)
	}
	if len(r.History()) != 0 || store.CallCount("WriteEntry") != 0 {
		t.Error("blank reply was recorded")
	}
}

func TestInterrupted_MarksTheNamedTurn(t *testing.T) {
	t.Parallel()

	store := memory.NewMemStore()
	p := &llmmock.Provider{}
	echo(p)
	ctx := context.Background()
	r, _ := respond.New(p, respond.WithStore(store), respond.WithSessionID("s1"))

	_, _ = r.Respond(respond.WithTurnID(ctx, 1), "first")
	// A later turn finishes before the first one is marked.
	_, _ = r.Respond(respond.WithTurnID(ctx, 2), "second")
	if err := r.Interrupted(ctx, 1); err != nil {
		t.Fatalf("Interrupted: %v", err)
	}
	// Unknown and untagged ids leave the history alone.
	for _, id := range []uint64{0, 9} {
		if err := r.Interrupted(ctx, id); err != nil {
			t.Fatalf("Interrupted(%d): %v", id, err)
		}
	}

	h := r.History()
	if h[1].Content != "re: first [interrupted]" || h[3].Content != "re: second" {
		t.Errorf("history = %q / %q", h[1].Content, h[3].Content)
	}
	entries, _ := store.GetRecent(ctx, "s1", 0)
	if !entries[1].Interrupted || entries[3].Interrupted {
		t.Error("only turn 1's stored reply should be marked interrupted")
	}
}

func TestRespond_StoreFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	store := &memorymock.SessionStore{WriteEntryErr: errors.New("disk full")}
	p := &llmmock.Provider{}
	echo(p)
	r, _ := respond.New(p, respond.WithStore(store))
	if got, err := r.Respond(context.Background(), "hi"); err != nil || got != "re: hi" {
		t.Fatalf("Respond = %q, %v", got, err)
	}
}

func TestResume_StoreError(t *testing.T) {
	t.Parallel()

	store := &memorymock.SessionStore{GetRecentErr: errors.New("offline")}
	r, _ := respond.New(&llmmock.Provider{}, respond.WithStore(store))
	if err := r.Resume(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{}
	echo(p)
	r, _ := respond.New(p)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Respond(context.Background(), "hi"); !errors.Is(err, respond.ErrClosed) {
		t.Errorf("Respond after Close = %v, want ErrClosed", err)
	}
}
