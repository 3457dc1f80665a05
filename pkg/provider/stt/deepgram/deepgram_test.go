package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.Request{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_OverridesAndKeywords(t *testing.T) {
	t.Parallel()
	p, _ := New("key", WithModel("base"), WithLanguage("de-DE"))
	rawURL, err := p.buildURL(stt.Request{
		SampleRate: 48000,
		Channels:   2,
		Language:   "fr-FR",
		Keywords:   []types.KeywordBoost{{Keyword: "Eldrinax", Boost: 5}, {Keyword: "Vaelthorn", Boost: 2.5}},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	q, _ := url.ParseQuery(strings.SplitN(rawURL, "?", 2)[1])

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "fr-FR", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	kws := q["keywords"]
	if len(kws) != 2 || kws[0] != "Eldrinax:5" || kws[1] != "Vaelthorn:2.5" {
		t.Errorf("keywords = %v", kws)
	}
}

// ---- response parsing ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	t.Parallel()
	msg := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" hello world ","confidence":0.9,
		"words":[{"word":"hello","start":0.1,"end":0.4,"confidence":0.95},{"word":"world","start":0.5,"end":0.9,"confidence":0.85}]}]}}`
	got, ok := parseDeepgramResponse([]byte(msg))
	if !ok {
		t.Fatal("expected message to parse")
	}
	if !got.final || got.transcript.Text != "hello world" || got.transcript.Confidence != 0.9 {
		t.Fatalf("got %+v", got)
	}
	if len(got.transcript.Words) != 2 || got.transcript.Words[1].Start != 500*time.Millisecond {
		t.Fatalf("words = %+v", got.transcript.Words)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	t.Parallel()
	for name, msg := range map[string]string{
		"speech started":     `{"type":"SpeechStarted"}`,
		"empty alternatives": `{"type":"Results","channel":{"alternatives":[]}}`,
		"invalid json":       `{not json`,
	} {
		if _, ok := parseDeepgramResponse([]byte(msg)); ok {
			t.Errorf("%s: expected message to be ignored", name)
		}
	}
	if got, ok := parseDeepgramResponse([]byte(`{"type":"Metadata"}`)); !ok || got.kind != "Metadata" {
		t.Errorf("metadata: got %+v, %v", got, ok)
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ---- end-to-end against a fake server ----

type fakeDeepgram struct {
	mu         sync.Mutex
	auth       string
	audioBytes int
	binaryMsgs int
	closeSeen  bool
}

// newFakeDeepgram answers each session with results partials and finals once
// CloseStream arrives, then Metadata.
func newFakeDeepgram(t *testing.T, results []string) (*httptest.Server, *fakeDeepgram) {
	t.Helper()
	fake := &fakeDeepgram{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		fake.auth = r.Header.Get("Authorization")
		fake.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				fake.mu.Lock()
				fake.audioBytes += len(data)
				fake.binaryMsgs++
				fake.mu.Unlock()
				continue
			}
			if !strings.Contains(string(data), "CloseStream") {
				continue
			}
			fake.mu.Lock()
			fake.closeSeen = true
			fake.mu.Unlock()
			for _, msg := range results {
				_ = conn.Write(ctx, websocket.MessageText, []byte(msg))
			}
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata"}`))
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}))
	t.Cleanup(srv.Close)
	return srv, fake
}

func result(text string, final bool, conf float64) string {
	b, _ := json.Marshal(map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text, "confidence": conf}},
		},
	})
	return string(b)
}

func TestTranscribe_JoinsFinals(t *testing.T) {
	t.Parallel()
	srv, fake := newFakeDeepgram(t, []string{
		result("the gate", false, 0.5),
		result("the gate is", true, 0.8),
		result("", true, 0),
		result("closed", true, 0.6),
	})
	p, _ := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))

	// 250 ms at 16 kHz mono → 3 binary messages of at most 100 ms.
	req := stt.Request{Audio: make([]byte, 8000), SampleRate: 16000, Channels: 1, Language: "en-GB"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := p.Transcribe(ctx, req)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "the gate is closed" {
		t.Errorf("text = %q", tr.Text)
	}
	if tr.Confidence < 0.69 || tr.Confidence > 0.71 {
		t.Errorf("confidence = %f, want 0.7", tr.Confidence)
	}
	if tr.Language != "en-GB" || tr.Duration != 250*time.Millisecond {
		t.Errorf("language %q duration %v", tr.Language, tr.Duration)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.auth != "Token secret" {
		t.Errorf("auth = %q", fake.auth)
	}
	if fake.audioBytes != 8000 || fake.binaryMsgs != 3 || !fake.closeSeen {
		t.Errorf("server saw %d bytes in %d messages, close %v", fake.audioBytes, fake.binaryMsgs, fake.closeSeen)
	}
}

func TestTranscribe_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	p, _ := New("bad", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))

	_, err := p.Transcribe(context.Background(), stt.Request{Audio: make([]byte, 320), SampleRate: 16000, Channels: 1})
	if err == nil || !strings.Contains(err.Error(), "deepgram: dial") {
		t.Fatalf("err = %v, want dial error", err)
	}
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
