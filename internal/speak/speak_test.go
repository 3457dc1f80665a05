package speak_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/speak"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/audio/player"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/types"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// pcm returns ms of 16 kHz mono PCM.
func pcm(ms int) []byte {
	return make([]byte, audio.FrameBytes(16000, ms))
}

func newSpeaker(t *testing.T, p *ttsmock.Provider, sink *audiomock.Sink) *speak.Speaker {
	t.Helper()
	s, err := speak.New(p, sink,
		speak.WithPlayerOptions(player.WithPacing(false)),
		speak.WithVoice(types.VoiceProfile{ID: "v1"}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := speak.New(nil, audiomock.NewSink(mono16k)); err == nil {
		t.Error("nil provider: expected error")
	}
	if _, err := speak.New(&ttsmock.Provider{}, nil); err == nil {
		t.Error("nil sink: expected error")
	}
}

func TestSpeak_PlaysEverything(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{Chunks: [][]byte{pcm(30), pcm(30), pcm(10)}}
	sink := audiomock.NewSink(mono16k)
	s := newSpeaker(t, p, sink)

	if err := s.Speak(context.Background(), "Hello there."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got, want := sink.WrittenBytes(), len(pcm(70)); got != want {
		t.Errorf("written = %d bytes, want %d", got, want)
	}
	if texts := p.SpokenTexts(); len(texts) != 1 || texts[0] != "Hello there." {
		t.Errorf("spoken texts = %q", texts)
	}
	if v := p.SynthesizeCalls[0].Voice.ID; v != "v1" {
		t.Errorf("voice = %q, want v1", v)
	}
}

func TestSpeak_BlankText(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{}
	s := newSpeaker(t, p, audiomock.NewSink(mono16k))
	if err := s.Speak(context.Background(), "  "); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if len(p.SynthesizeCalls) != 0 {
		t.Error("provider called for blank text")
	}
}

func TestStopNow_InterruptsPlayback(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{Chunks: [][]byte{pcm(100)}, Hold: true}
	sink := audiomock.NewSink(mono16k)
	s := newSpeaker(t, p, sink)

	done := make(chan error, 1)
	go func() { done <- s.Speak(context.Background(), "a long reply") }()

	deadline := time.Now().Add(time.Second)
	for sink.Writes() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("playback never started")
		}
		time.Sleep(time.Millisecond)
	}

	s.StopNow()
	after := sink.WrittenBytes()

	select {
	case err := <-done:
		if !errors.Is(err, speak.ErrStopped) {
			t.Errorf("Speak = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Speak did not return after StopNow")
	}
	time.Sleep(20 * time.Millisecond)
	if sink.WrittenBytes() != after {
		t.Error("audio reached the sink after StopNow returned")
	}
	if s.Stops() != 1 {
		t.Errorf("Stops = %d, want 1", s.Stops())
	}
}

func TestStopNow_Idle(t *testing.T) {
	t.Parallel()

	s := newSpeaker(t, &ttsmock.Provider{}, audiomock.NewSink(mono16k))
	s.StopNow()
	s.StopNow()
	if s.Stops() != 2 {
		t.Errorf("Stops = %d, want 2", s.Stops())
	}
	if err := s.Speak(context.Background(), "after stop"); err != nil {
		t.Errorf("Speak after idle StopNow: %v", err)
	}
}

func TestSpeak_SynthesisError(t *testing.T) {
	t.Parallel()

	boom := errors.New("quota exceeded")
	s := newSpeaker(t, &ttsmock.Provider{SynthesizeErr: boom}, audiomock.NewSink(mono16k))
	if err := s.Speak(context.Background(), "hi"); !errors.Is(err, boom) {
		t.Errorf("Speak = %v, want wrapping %v", err, boom)
	}
}

func TestSpeak_SinkError(t *testing.T) {
	t.Parallel()

	sink := audiomock.NewSink(mono16k)
	sink.WriteErr = audio.ErrDeviceUnavailable
	s := newSpeaker(t, &ttsmock.Provider{Chunks: [][]byte{pcm(40)}}, sink)
	if err := s.Speak(context.Background(), "hi"); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Speak = %v, want ErrDeviceUnavailable", err)
	}
}

func TestSpeak_ContextCancelled(t *testing.T) {
	t.Parallel()

	s := newSpeaker(t, &ttsmock.Provider{Chunks: [][]byte{pcm(20)}, Hold: true}, audiomock.NewSink(mono16k))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Speak(ctx, "hi"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Speak = %v, want DeadlineExceeded", err)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	sink := audiomock.NewSink(mono16k)
	s := newSpeaker(t, &ttsmock.Provider{}, sink)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sink.CloseCalls != 1 {
		t.Errorf("sink closed %d times, want 1", sink.CloseCalls)
	}
	if err := s.Speak(context.Background(), "hi"); !errors.Is(err, speak.ErrClosed) {
		t.Errorf("Speak after Close = %v, want ErrClosed", err)
	}
}
