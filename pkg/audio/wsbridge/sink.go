package wsbridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Sink = (*Sink)(nil)

// Sink plays synthesized PCM by sending it to a WebSocket peer. It connects
// on the first Write and reconnects on the next Write after the peer goes
// away, so a restarting peer costs only the audio written while it was gone.
type Sink struct {
	url    string
	format audio.Format
	opts   options
	log    *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	peer   context.Context // done when the peer closes the connection
	dials  int
	closed bool
}

// NewSink returns a Sink that sends PCM in format f to url.
func NewSink(url string, f audio.Format, opts ...Option) *Sink {
	o := buildOptions(opts)
	return &Sink{url: url, format: f, opts: o, log: o.log}
}

// Format implements audio.Sink.
func (s *Sink) Format() audio.Format { return s.format }

// Dials returns how many connections the sink has opened.
func (s *Sink) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Write implements audio.Sink.
func (s *Sink) Write(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrDeviceUnavailable
	}

	if s.conn != nil && s.peer.Err() != nil {
		s.drop("peer closed")
	}
	if s.conn == nil {
		conn, err := dial(ctx, s.url, RolePlayback, s.format, s.opts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return unavailable("connect", err)
		}
		s.conn = conn
		// The sink never reads; CloseRead handles control frames and
		// reports the peer going away.
		s.peer = conn.CloseRead(context.Background())
		s.dials++
		s.log.Info("wsbridge: playback connected", "url", s.url, "dials", s.dials)
	}

	if err := s.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.drop("write failed")
		return unavailable("write", err)
	}
	return nil
}

// Close sends the end event and closes the connection. Safe to call more
// than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	if s.peer.Err() == nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := wsjson.Write(ctx, s.conn, Event{Type: EventEnd}); err != nil {
			s.log.Debug("wsbridge: send end event", "err", err)
		}
		cancel()
	}
	s.conn.Close(websocket.StatusNormalClosure, "playback closed")
	s.conn = nil
	return nil
}

// drop forgets the current connection. Callers hold s.mu.
func (s *Sink) drop(reason string) {
	s.conn.Close(websocket.StatusGoingAway, reason)
	s.conn = nil
	s.peer = nil
	s.log.Warn("wsbridge: playback disconnected", "reason", reason)
}
