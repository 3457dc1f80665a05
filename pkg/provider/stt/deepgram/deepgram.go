// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. Each Transcribe call opens one session, streams the
// utterance, sends CloseStream and joins the final results.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// chunkDuration is the amount of audio per binary message.
	chunkDuration = 100 * time.Millisecond
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language when a Request carries none.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the streaming endpoint (ws:// or wss://).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close implements [stt.Provider]. Every session is closed by the call that
// opened it, so there is nothing left to release.
func (p *Provider) Close() error { return nil }

// Transcribe streams the utterance over a fresh WebSocket session and returns
// the concatenation of every final result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	if err := req.Validate(); err != nil {
		return types.Transcript{}, err
	}
	wsURL, err := p.buildURL(req)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- p.stream(ctx, conn, req)
	}()

	tr, err := collect(ctx, conn)
	if err != nil {
		// Unblocks a writer stuck on a dead connection.
		conn.CloseNow()
	}
	if werr := <-writeErr; werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return types.Transcript{}, err
	}
	conn.Close(websocket.StatusNormalClosure, "utterance complete")

	if tr.Language == "" {
		tr.Language = req.Language
		if tr.Language == "" {
			tr.Language = p.language
		}
	}
	tr.Duration = audio.PCMDuration(len(req.Audio), req.SampleRate, req.Channels)
	return tr, nil
}

// stream sends the audio in fixed-size chunks followed by CloseStream.
func (p *Provider) stream(ctx context.Context, conn *websocket.Conn, req stt.Request) error {
	chunk := int(int64(req.SampleRate) * int64(req.Channels) * audio.BytesPerSample * int64(chunkDuration) / int64(time.Second))
	for off := 0; off < len(req.Audio); off += chunk {
		end := min(off+chunk, len(req.Audio))
		if err := conn.Write(ctx, websocket.MessageBinary, req.Audio[off:end]); err != nil {
			return fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: send CloseStream: %w", err)
	}
	return nil
}

// collect reads results until the server acknowledges CloseStream with a
// Metadata message or closes the connection.
func collect(ctx context.Context, conn *websocket.Conn) (types.Transcript, error) {
	var (
		texts   []string
		words   []types.WordDetail
		confSum float64
		finals  int
	)
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return types.Transcript{}, fmt.Errorf("deepgram: read: %w", err)
		}
		resp, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		if resp.kind == "Metadata" {
			break
		}
		if !resp.final || resp.transcript.Text == "" {
			continue
		}
		texts = append(texts, resp.transcript.Text)
		words = append(words, resp.transcript.Words...)
		confSum += resp.transcript.Confidence
		finals++
	}

	tr := types.Transcript{Text: strings.Join(texts, " "), Words: words}
	if finals > 0 {
		tr.Confidence = confSum / float64(finals)
	}
	return tr, nil
}

// buildURL constructs the streaming endpoint URL for req.
func (p *Provider) buildURL(req stt.Request) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(req.SampleRate))
	q.Set("channels", strconv.Itoa(req.Channels))
	for _, kw := range req.Keywords {
		// Deepgram keyword format: word:boost (e.g. "Eldrinax:5").
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure of a Deepgram server message.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type parsed struct {
	kind       string
	final      bool
	transcript types.Transcript
}

// parseDeepgramResponse parses one server message. Results without an
// alternative and unparseable messages are ignored.
func parseDeepgramResponse(data []byte) (parsed, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return parsed{}, false
	}
	switch resp.Type {
	case "Metadata":
		return parsed{kind: resp.Type}, true
	case "Results":
	default:
		return parsed{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return parsed{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}
	return parsed{
		kind:  resp.Type,
		final: resp.IsFinal,
		transcript: types.Transcript{
			Text:       strings.TrimSpace(alt.Transcript),
			Confidence: alt.Confidence,
			Words:      words,
		},
	}, true
}
