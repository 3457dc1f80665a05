// Package wsbridge connects the voice pipeline to a remote audio peer over a
// WebSocket. Audio travels as binary messages of raw 16-bit little-endian
// PCM; control travels as JSON text messages ([Event]).
//
// A [Source] dials the peer and turns the binary messages it receives into
// capture packets. A [Sink] dials the peer lazily on the first write and
// sends synthesized PCM. Both announce their role and format with a "hello"
// event as soon as the connection is up, so a browser page or a relay can
// configure its own audio graph to match.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/pkg/audio"
)

// Event types exchanged as JSON text messages.
const (
	// EventHello is sent by the device right after connecting.
	EventHello = "hello"

	// EventHangup is sent by the peer to end the stream. A capture source
	// reports [audio.ErrDeviceUnavailable] after receiving it.
	EventHangup = "hangup"

	// EventEnd is sent by a sink before it closes the connection.
	EventEnd = "end"
)

// Roles announced in the hello event.
const (
	RoleCapture  = "capture"
	RolePlayback = "playback"
)

// closeTimeout bounds the end event written by [Sink.Close].
const closeTimeout = 2 * time.Second

// ErrHangup is the cause attached to [audio.ErrDeviceUnavailable] when the
// peer hung up.
var ErrHangup = errors.New("wsbridge: peer hung up")

// Event is a control message.
type Event struct {
	Type       string `json:"type"`
	Role       string `json:"role,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Option configures a [Source] or a [Sink].
type Option func(*options)

type options struct {
	header http.Header
	log    *slog.Logger
	buffer int
}

// WithHeader adds HTTP headers to the WebSocket handshake, e.g. an
// Authorization header.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h.Clone() }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithBuffer sets how many received packets a Source queues before it starts
// dropping. Defaults to 64.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default(), buffer: 64}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// dial connects to url and sends the hello event for role.
func dial(ctx context.Context, url, role string, f audio.Format, o options) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: o.header})
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial %s: %w", url, err)
	}
	hello := Event{Type: EventHello, Role: role, SampleRate: f.SampleRate, Channels: f.Channels}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("wsbridge: send hello: %w", err)
	}
	return conn, nil
}

// unavailable wraps a transport error so callers can match
// [audio.ErrDeviceUnavailable].
func unavailable(op string, err error) error {
	return fmt.Errorf("wsbridge: %s: %w: %w", op, audio.ErrDeviceUnavailable, err)
}
