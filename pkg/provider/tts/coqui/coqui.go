// Package coqui provides a TTS provider backed by a self-hosted Coqui TTS
// server.
//
// Two server flavours are supported:
//
//   - APIModeStandard: the stock Coqui TTS image, GET /api/tts with query
//     parameters and GET /details for speaker discovery.
//   - APIModeXTTS: the XTTS v2 API server, POST /tts_to_audio/ with a JSON body
//     and GET /studio_speakers for speaker discovery.
//
// Coqui synthesises whole utterances, so streaming is emulated: incoming text
// fragments are accumulated into sentences and each sentence is synthesised
// with its own request. Several requests may be in flight at once; audio is
// still emitted in sentence order.
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/wavfile"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// APIMode selects which Coqui server API to talk to.
type APIMode string

const (
	// APIModeStandard targets the standard Coqui TTS server.
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets the XTTS v2 API server.
	APIModeXTTS APIMode = "xtts"
)

const (
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"

	defaultLanguage      = "en"
	defaultTimeout       = 30 * time.Second
	defaultSampleRate    = 22050
	sentenceLookaheadBuf = 4
	audioChanBuf         = 256
	pcmChunkSize         = 4096
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent with every request. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Default APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputFormat sets the PCM format emitted by SynthesizeStream. Audio
// returned by the server is converted to it. Default 22050 Hz mono, the
// native rate of most Coqui models.
func WithOutputFormat(f audio.Format) Option {
	return func(p *Provider) {
		p.format = f
	}
}

// WithHTTPClient replaces the HTTP client. The timeout option, if given,
// must come after it.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by a Coqui TTS server. It is safe
// for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	apiMode    APIMode
	format     audio.Format
	httpClient *http.Client
}

// New creates a Provider for the server at serverURL, e.g.
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		format:     audio.Format{SampleRate: defaultSampleRate, Channels: 1},
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.apiMode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.apiMode)
	}
	if p.format.SampleRate <= 0 || p.format.Channels <= 0 {
		return nil, fmt.Errorf("coqui: invalid output format %s", p.format)
	}
	return p, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format { return p.format }

// ttsRequest is the JSON body of POST /tts_to_audio/.
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// detailsResponse is the body of GET /details. Speakers is empty for
// single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

type audioResult struct {
	pcm []byte
	err error
}

// ─── SynthesizeStream ────────────────────────────────────────────────────────

// SynthesizeStream implements tts.Provider. Text is split into sentences on
// '.', '!' or '?' followed by whitespace or end of input. Up to
// sentenceLookaheadBuf sentences are synthesised concurrently.
//
// A synthesis failure ends the stream early; the audio channel is closed
// without an error value.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice ID is required in xtts mode")
	}

	ctx, cancel := context.WithCancel(ctx)
	audioCh := make(chan []byte, audioChanBuf)
	sentences := make(chan string, sentenceLookaheadBuf)
	results := make(chan chan audioResult, sentenceLookaheadBuf)

	go splitSentences(ctx, text, sentences)

	go func() {
		defer close(results)
		for s := range sentences {
			ch := make(chan audioResult, 1)
			select {
			case results <- ch:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := p.synthesize(ctx, s, voice)
				ch <- audioResult{pcm: pcm, err: err}
			}()
		}
	}()

	go func() {
		defer close(audioCh)
		defer cancel()
		for ch := range results {
			var res audioResult
			select {
			case res = <-ch:
			case <-ctx.Done():
				return
			}
			if res.err != nil {
				return
			}
			for pcm := res.pcm; len(pcm) > 0; {
				end := min(pcmChunkSize, len(pcm))
				select {
				case audioCh <- pcm[:end]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[end:]
			}
		}
	}()

	return audioCh, nil
}

// splitSentences reads fragments from text and emits trimmed sentences on
// out. A trailing partial sentence is flushed when text closes.
func splitSentences(ctx context.Context, text <-chan string, out chan<- string) {
	defer close(out)
	emit := func(s string) bool {
		if s = strings.TrimSpace(s); s == "" {
			return true
		}
		select {
		case out <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var buf string
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				emit(buf)
				return
			}
			buf += fragment
			for {
				idx := findSentenceBoundary(buf)
				if idx < 0 {
					break
				}
				sentence := buf[:idx+1]
				buf = buf[idx+1:]
				if !emit(sentence) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// findSentenceBoundary returns the index of the first '.', '!' or '?' that
// ends s or is followed by whitespace, or -1. "3.14" and "e.g.x" do not
// split.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if p.apiMode == APIModeXTTS {
		req, err = p.xttsRequest(ctx, sentence, voice)
	} else {
		req, err = p.standardRequest(ctx, sentence, voice)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	pcm, f, err := wavfile.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: decode WAV response: %w", err)
	}
	out, err := audio.Converter{From: f, To: p.format}.Convert(pcm)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return out, nil
}

func (p *Provider) xttsRequest(ctx context.Context, sentence string, voice types.VoiceProfile) (*http.Request, error) {
	data, err := json.Marshal(ttsRequest{
		Text:       sentence,
		SpeakerWav: voice.ID,
		Language:   p.language,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *Provider) standardRequest(ctx context.Context, sentence string, voice types.VoiceProfile) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return req, nil
}

// ─── ListVoices ──────────────────────────────────────────────────────────────

// ListVoices implements tts.Provider. In standard mode a single-speaker
// model is reported as one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	if p.apiMode == APIModeXTTS {
		return p.listStudioSpeakers(ctx)
	}
	return p.listDetails(ctx)
}

func (p *Provider) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", endpoint, err)
	}
	return nil
}

func (p *Provider) listStudioSpeakers(ctx context.Context) ([]types.VoiceProfile, error) {
	var raw map[string]json.RawMessage
	if err := p.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]types.VoiceProfile, 0, len(names))
	for _, name := range names {
		profiles = append(profiles, types.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{"type": "studio"},
		})
	}
	return profiles, nil
}

func (p *Provider) listDetails(ctx context.Context) ([]types.VoiceProfile, error) {
	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}

	if len(details.Speakers) > 0 {
		speakers := append([]string(nil), details.Speakers...)
		sort.Strings(speakers)
		profiles := make([]types.VoiceProfile, 0, len(speakers))
		for _, spk := range speakers {
			profiles = append(profiles, types.VoiceProfile{
				ID:       spk,
				Name:     spk,
				Provider: "coqui",
				Metadata: map[string]string{"type": "speaker", "model_name": details.ModelName},
			})
		}
		return profiles, nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []types.VoiceProfile{{
		ID:       name,
		Name:     name,
		Provider: "coqui",
		Metadata: map[string]string{"type": "single-speaker", "model_name": name},
	}}, nil
}
