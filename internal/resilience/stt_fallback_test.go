package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/types"
)

func sttRequest() stt.Request {
	return stt.Request{Audio: make([]byte, 640), SampleRate: 16000, Channels: 1}
}

func TestSTTFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Result: types.Transcript{Text: "hello"}}
	secondary := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), sttRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "hello" {
		t.Errorf("text = %q, want hello", tr.Text)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Errorf("calls primary=%d secondary=%d", primary.CallCount(), secondary.CallCount())
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Result: types.Transcript{Text: "backup"}}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), sttRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "backup" {
		t.Errorf("text = %q, want backup", tr.Text)
	}
	if secondary.LastRequest().SampleRate != 16000 {
		t.Error("secondary did not receive the request")
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewSTTFallback(&sttmock.Provider{Err: errTest}, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &sttmock.Provider{Err: errTest})

	if _, err := fb.Transcribe(context.Background(), sttRequest()); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if len(fb.States()) != 2 {
		t.Fatalf("states = %v", fb.States())
	}
}

func TestSTTFallback_CloseClosesEveryBackend(t *testing.T) {
	t.Parallel()
	boom := errors.New("socket stuck")
	primary := &sttmock.Provider{CloseErr: boom}
	secondary := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	if err := fb.Close(); !errors.Is(err, boom) {
		t.Errorf("Close = %v, want %v", err, boom)
	}
	if primary.CloseCalls != 1 || secondary.CloseCalls != 1 {
		t.Errorf("close calls primary=%d secondary=%d, want 1 each", primary.CloseCalls, secondary.CloseCalls)
	}
}
