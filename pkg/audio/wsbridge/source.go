package wsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source is a capture device fed by a WebSocket peer. Each binary message is
// returned by ReadFrame as one packet; the capture layer re-frames packets of
// any size.
type Source struct {
	conn   *websocket.Conn
	format audio.Format
	period time.Duration
	log    *slog.Logger

	packets chan audio.AudioFrame
	done    chan struct{}
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// DialSource connects to the peer at url and returns a Source that reads PCM
// in format f. frameMs is the longest ReadFrame waits before reporting
// [audio.ErrNoSignal].
func DialSource(ctx context.Context, url string, f audio.Format, frameMs int, opts ...Option) (*Source, error) {
	o := buildOptions(opts)
	conn, err := dial(ctx, url, RoleCapture, f, o)
	if err != nil {
		return nil, err
	}
	return newSource(conn, f, frameMs, o), nil
}

// NewSource wraps an established connection, e.g. one accepted by an HTTP
// handler. No hello event is sent.
func NewSource(conn *websocket.Conn, f audio.Format, frameMs int, opts ...Option) *Source {
	return newSource(conn, f, frameMs, buildOptions(opts))
}

func newSource(conn *websocket.Conn, f audio.Format, frameMs int, o options) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		conn:    conn,
		format:  f,
		period:  time.Duration(max(frameMs, 1)) * time.Millisecond,
		log:     o.log,
		packets: make(chan audio.AudioFrame, o.buffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go s.readLoop(ctx)
	return s
}

// Format implements audio.Source.
func (s *Source) Format() audio.Format { return s.format }

// Dropped returns how many packets were discarded because the queue was full.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }

// ReadFrame implements audio.Source.
func (s *Source) ReadFrame(ctx context.Context) (audio.AudioFrame, error) {
	select {
	case f := <-s.packets:
		return f, nil
	default:
	}

	t := time.NewTimer(s.period)
	defer t.Stop()
	select {
	case f := <-s.packets:
		return f, nil
	case <-s.done:
		select {
		case f := <-s.packets:
			return f, nil
		default:
		}
		return audio.AudioFrame{}, s.failure()
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	case <-t.C:
		return audio.AudioFrame{}, audio.ErrNoSignal
	}
}

// Close implements audio.Source. It unblocks a pending ReadFrame.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close(websocket.StatusNormalClosure, "capture closed")
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *Source) readLoop(ctx context.Context) {
	defer close(s.done)

	var (
		seq uint64
		pos time.Duration
	)
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.setErr(unavailable("read", err))
			return
		}

		switch typ {
		case websocket.MessageBinary:
			frame := audio.AudioFrame{
				Data:       data,
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
				Seq:        seq,
				Timestamp:  pos,
			}
			seq++
			pos += audio.PCMDuration(len(data), s.format.SampleRate, s.format.Channels)
			select {
			case s.packets <- frame:
			default:
				// Queue full; drop rather than stall the socket.
				s.dropped.Add(1)
			}

		case websocket.MessageText:
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				s.log.Debug("wsbridge: ignoring malformed event", "err", err)
				continue
			}
			if ev.Type == EventHangup {
				s.setErr(unavailable("read", ErrHangup))
				s.conn.Close(websocket.StatusNormalClosure, "hangup")
				return
			}
			s.log.Debug("wsbridge: ignoring event", "type", ev.Type)
		}
	}
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Source) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return audio.ErrDeviceUnavailable
	}
	return s.err
}
