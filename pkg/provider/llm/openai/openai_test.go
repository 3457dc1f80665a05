package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()
	sys, err := convertMessage(types.Message{Role: types.RoleSystem, Content: "Be brief."})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("system: got %+v, %v", sys, err)
	}
	usr, err := convertMessage(types.Message{Role: types.RoleUser, Content: "Hello!"})
	if err != nil || usr.OfUser == nil {
		t.Fatalf("user: got %+v, %v", usr, err)
	}
	asst, err := convertMessage(types.Message{Role: types.RoleAssistant, Content: "Hi there!"})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("assistant: got %+v, %v", asst, err)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(types.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model   string
		context int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-3.5-turbo", 16_385},
		{"gpt-4", 8_192},
		{"o3-mini", 200_000},
		{"my-custom-model", 128_000},
	}
	for _, tc := range tests {
		caps := modelCapabilities(tc.model)
		if caps.ContextWindow != tc.context {
			t.Errorf("%s: got context window %d, want %d", tc.model, caps.ContextWindow, tc.context)
		}
		if caps.MaxOutputTokens <= 0 || !caps.SupportsStreaming {
			t.Errorf("%s: got %+v", tc.model, caps)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestBuildParams_EmptyRequest(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", "gpt-4o")
	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for a request without messages")
	}
}

// chatServer answers /chat/completions with either an SSE stream of deltas or
// a single JSON completion, and records the decoded request body.
func chatServer(t *testing.T, deltas []string, got *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got != nil {
			*got = body
		}

		if stream, _ := body["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for i, d := range deltas {
				finish := "null"
				if i == len(deltas)-1 {
					finish = `"stop"`
				}
				fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":%s}]}\n\n", d, finish)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`, strings.Join(deltas, ""))
	}))
}

func TestComplete(t *testing.T) {
	t.Parallel()
	var body map[string]any
	srv := chatServer(t, []string{"Good ", "evening."}, &body)
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are a concierge.",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Good evening." {
		t.Errorf("content: got %q, want %q", resp.Content, "Good evening.")
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("total tokens: got %d, want 12", resp.Usage.TotalTokens)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages in request, want system + user", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role: got %v, want system", first["role"])
	}
}

func TestStreamCompletion(t *testing.T) {
	t.Parallel()
	srv := chatServer(t, []string{"One", " two", " three."}, nil)
	defer srv.Close()

	p, _ := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "Count"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var sb strings.Builder
	var finish string
	for c := range ch {
		if c.FinishReason == llm.FinishReasonError {
			t.Fatalf("stream error: %s", c.Text)
		}
		sb.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if sb.String() != "One two three." {
		t.Errorf("text: got %q", sb.String())
	}
	if finish != "stop" {
		t.Errorf("finish reason: got %q, want stop", finish)
	}
}
