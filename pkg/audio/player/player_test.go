package player_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/audio/player"
)

var pcm16k = audio.Format{SampleRate: 16000, Channels: 1}

// makeSegment returns a segment pre-loaded with chunks and already closed.
func makeSegment(chunks ...[]byte) player.Segment {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return player.Segment{Audio: ch, Format: pcm16k}
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPlay_WritesAllAudio(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(pcm16k)
	p := player.New(sink, player.WithPacing(false))

	chunk := make([]byte, audio.FrameBytes(16000, 20))
	if err := p.Play(context.Background(), makeSegment(chunk, chunk, chunk)); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := sink.Writes(); got != 3 {
		t.Errorf("writes: got %d, want 3", got)
	}
	if p.Playing() {
		t.Error("Playing should be false after Play returns")
	}
}

func TestPlay_FlushesPartialChunk(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(pcm16k)
	p := player.New(sink, player.WithPacing(false))

	if err := p.Play(context.Background(), makeSegment(make([]byte, 100))); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := sink.WrittenBytes(); got != 100 {
		t.Errorf("written: got %d bytes, want 100", got)
	}
}

func TestPlay_ConvertsFormat(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(audio.Format{SampleRate: 48000, Channels: 2})
	p := player.New(sink, player.WithPacing(false))

	if err := p.Play(context.Background(), makeSegment(make([]byte, audio.FrameBytes(16000, 20)))); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got, want := sink.WrittenBytes(), 960*4; got != want {
		t.Errorf("written: got %d bytes, want %d", got, want)
	}
}

func TestStop_InterruptsBlockedWrite(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(pcm16k)
	sink.WriteHook = func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}
	p := player.New(sink, player.WithPacing(false))

	audioCh := make(chan []byte, 1)
	audioCh <- make([]byte, audio.FrameBytes(16000, 20))
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Play(context.Background(), player.Segment{Audio: audioCh, Format: pcm16k})
	}()
	waitFor(t, p.Playing)

	start := time.Now()
	if !p.Stop() {
		t.Fatal("Stop reported nothing playing")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Stop took %v, want well under 100ms", elapsed)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, player.ErrStopped) {
			t.Errorf("Play: got %v, want ErrStopped", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Play did not return after Stop")
	}
	close(audioCh)
}

func TestStop_NoWritesAfterReturn(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(pcm16k)
	p := player.New(sink, player.WithPacing(false))

	audioCh := make(chan []byte)
	done := make(chan error, 1)
	go func() {
		done <- p.Play(context.Background(), player.Segment{Audio: audioCh, Format: pcm16k})
	}()
	chunk := make([]byte, audio.FrameBytes(16000, 20))
	audioCh <- chunk
	waitFor(t, func() bool { return sink.Writes() == 1 })

	p.Stop()
	<-done
	before := sink.Writes()

	// The producer keeps going; the drained chunks must never reach the sink.
	for range 5 {
		audioCh <- chunk
	}
	close(audioCh)
	time.Sleep(10 * time.Millisecond)
	if got := sink.Writes(); got != before {
		t.Errorf("writes after Stop: got %d, want %d", got, before)
	}
}

func TestPlay_Busy(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(pcm16k)
	p := player.New(sink, player.WithPacing(false))

	audioCh := make(chan []byte)
	go func() { _ = p.Play(context.Background(), player.Segment{Audio: audioCh, Format: pcm16k}) }()
	waitFor(t, p.Playing)

	if err := p.Play(context.Background(), makeSegment()); !errors.Is(err, player.ErrBusy) {
		t.Errorf("second Play: got %v, want ErrBusy", err)
	}
	p.Stop()
	close(audioCh)
}

func TestStop_Idle(t *testing.T) {
	t.Parallel()
	p := player.New(mock.NewSink(pcm16k))
	if p.Stop() {
		t.Error("Stop on an idle player should report false")
	}
}

func TestClose_RejectsPlay(t *testing.T) {
	t.Parallel()
	p := player.New(mock.NewSink(pcm16k))
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := p.Play(context.Background(), makeSegment()); !errors.Is(err, player.ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestPlay_Pacing(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(pcm16k)
	p := player.New(sink, player.WithLead(0))

	chunk := make([]byte, audio.FrameBytes(16000, 20))
	start := time.Now()
	if err := p.Play(context.Background(), makeSegment(chunk, chunk, chunk, chunk, chunk)); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("paced playback of 100ms took only %v", elapsed)
	}
}
