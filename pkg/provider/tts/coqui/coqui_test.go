package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/wavfile"
	"github.com/MrWong99/parley/pkg/types"
)

var mono22k = audio.Format{SampleRate: 22050, Channels: 1}

func drainAudio(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

func sendFragments(fragments ...string) <-chan string {
	ch := make(chan string, len(fragments))
	for _, f := range fragments {
		ch <- f
	}
	close(ch)
	return ch
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		p := mustNew(t, "http://localhost:5002/")
		if p.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.apiMode != APIModeStandard {
			t.Errorf("apiMode = %q, want %q", p.apiMode, APIModeStandard)
		}
		if got := p.OutputFormat(); got != mono22k {
			t.Errorf("OutputFormat = %v, want %v", got, mono22k)
		}
	})

	t.Run("options", func(t *testing.T) {
		t.Parallel()
		want := audio.Format{SampleRate: 48000, Channels: 2}
		p := mustNew(t, "http://x", WithLanguage("de"), WithTimeout(5*time.Second), WithOutputFormat(want))
		if p.language != "de" || p.httpClient.Timeout != 5*time.Second || p.OutputFormat() != want {
			t.Errorf("options not applied: lang=%q timeout=%v format=%v", p.language, p.httpClient.Timeout, p.OutputFormat())
		}
	})

	errCases := map[string][]Option{
		"unknown mode":   {WithAPIMode("grpc")},
		"invalid format": {WithOutputFormat(audio.Format{})},
	}
	for name, opts := range errCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := New("http://x", opts...); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}

	t.Run("empty url", func(t *testing.T) {
		t.Parallel()
		if _, err := New(""); err == nil {
			t.Fatal("expected error for empty URL")
		}
	})
}

// ─── SynthesizeStream ────────────────────────────────────────────────────────

func TestSynthesizeStream_XTTSRequiresVoice(t *testing.T) {
	t.Parallel()
	p := mustNew(t, "http://x", WithAPIMode(APIModeXTTS))
	_, err := p.SynthesizeStream(context.Background(), sendFragments(), types.VoiceProfile{})
	if err == nil || !strings.HasPrefix(err.Error(), "coqui:") {
		t.Fatalf("err = %v, want coqui-prefixed error", err)
	}
}

func TestSynthesizeStream_XTTS(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{0x42, 0x00}, 50)
	var (
		mu   sync.Mutex
		reqs []ttsRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ttsEndpoint || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		mu.Lock()
		reqs = append(reqs, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wavfile.Encode(pcm, mono22k))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	audioCh, err := p.SynthesizeStream(context.Background(),
		sendFragments("Hello ", "world. ", "Are you", " there?"),
		types.VoiceProfile{ID: "spk"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	got := drainAudio(audioCh)
	if want := bytes.Repeat(pcm, 2); !bytes.Equal(got, want) {
		t.Errorf("audio = %d bytes, want %d bytes of payload", len(got), len(want))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reqs) != 2 {
		t.Fatalf("server received %d requests, want 2", len(reqs))
	}
	seen := map[string]bool{}
	for _, r := range reqs {
		seen[r.Text] = true
		if r.SpeakerWav != "spk" || r.Language != defaultLanguage {
			t.Errorf("request = %+v, want speaker spk language %s", r, defaultLanguage)
		}
	}
	if !seen["Hello world."] || !seen["Are you there?"] {
		t.Errorf("sentences = %v", seen)
	}
}

func TestSynthesizeStream_StandardQueryAndConversion(t *testing.T) {
	t.Parallel()

	// 16 kHz stereo from the server, 16 kHz mono requested.
	serverFmt := audio.Format{SampleRate: 16000, Channels: 2}
	stereo := audio.Bytes([]int16{100, 300, -100, -300})

	query := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiTTSEndpoint || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		query <- r.URL.RawQuery
		_, _ = w.Write(wavfile.Encode(stereo, serverFmt))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithOutputFormat(audio.Format{SampleRate: 16000, Channels: 1}), WithLanguage("fr"))
	audioCh, err := p.SynthesizeStream(context.Background(), sendFragments("Bonjour"), types.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	got := audio.Samples(drainAudio(audioCh))
	if len(got) != 2 || got[0] != 200 || got[1] != -200 {
		t.Errorf("samples = %v, want [200 -200]", got)
	}

	q := <-query
	for _, want := range []string{"text=Bonjour", "speaker_id=p225", "language_id=fr"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}
}

func TestSynthesizeStream_PreservesSentenceOrder(t *testing.T) {
	t.Parallel()

	// The first sentence is answered last; output order must still follow input.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		text := r.URL.Query().Get("text")
		var sample int16 = 2
		if text == "One." {
			time.Sleep(50 * time.Millisecond)
			sample = 1
		}
		_, _ = w.Write(wavfile.Encode(audio.Bytes([]int16{sample}), mono22k))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	audioCh, err := p.SynthesizeStream(context.Background(), sendFragments("One. Two."), types.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	got := audio.Samples(drainAudio(audioCh))
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("samples = %v, want [1 2]", got)
	}
}

func TestSynthesizeStream_ServerErrorEndsStream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	audioCh, err := p.SynthesizeStream(context.Background(), sendFragments("A sentence."), types.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if got := drainAudio(audioCh); len(got) != 0 {
		t.Errorf("got %d bytes after server error, want 0", len(got))
	}
}

func TestSynthesizeStream_CancelClosesChannel(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string, 1)
	text <- "Never finished."
	audioCh, err := p.SynthesizeStream(ctx, text, types.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		drainAudio(audioCh)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("audio channel not closed after cancel")
	}
}

func TestFindSentenceBoundary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  int
	}{
		{"Hello.", 5},
		{"Hello. World", 5},
		{"Hello!", 5},
		{"Hello?", 5},
		{"Hello", -1},
		{"Dr. Smith", 2},
		{"3.14 is pi", -1},
		{"", -1},
		{"How? Great!", 3},
	}
	for _, tt := range tests {
		if got := findSentenceBoundary(tt.input); got != tt.want {
			t.Errorf("findSentenceBoundary(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

// ─── ListVoices ──────────────────────────────────────────────────────────────

func TestListVoices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mode     APIMode
		path     string
		body     string
		wantIDs  []string
		wantType string
	}{
		{
			name:     "xtts studio speakers",
			mode:     APIModeXTTS,
			path:     studioSpeakersEndpoint,
			body:     `{"Zed":{},"Ana":{"speaker_embedding":[1]}}`,
			wantIDs:  []string{"Ana", "Zed"},
			wantType: "studio",
		},
		{
			name:     "standard multi speaker",
			mode:     APIModeStandard,
			path:     detailsEndpoint,
			body:     `{"model_name":"vctk","speakers":["p226","p225"]}`,
			wantIDs:  []string{"p225", "p226"},
			wantType: "speaker",
		},
		{
			name:     "standard single speaker",
			mode:     APIModeStandard,
			path:     detailsEndpoint,
			body:     `{"model_name":"ljspeech"}`,
			wantIDs:  []string{"ljspeech"},
			wantType: "single-speaker",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := mustNew(t, srv.URL, WithAPIMode(tt.mode))
			voices, err := p.ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tt.wantIDs) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tt.wantIDs))
			}
			for i, v := range voices {
				if v.ID != tt.wantIDs[i] || v.Provider != "coqui" || v.Metadata["type"] != tt.wantType {
					t.Errorf("voices[%d] = %+v, want id %s type %s", i, v, tt.wantIDs[i], tt.wantType)
				}
			}
		})
	}
}

func TestListVoices_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.ListVoices(context.Background()); err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want status 502", err)
	}
}
