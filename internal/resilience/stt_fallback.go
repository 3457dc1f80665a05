package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// STTFallback implements [stt.Provider] with failover across backends.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// States reports each backend's breaker state.
func (f *STTFallback) States() map[string]State { return f.group.States() }

// Close closes every backend, primary first, and joins their errors.
func (f *STTFallback) Close() error {
	var errs []error
	for _, e := range f.group.entries {
		if err := e.value.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stt %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Transcribe sends the request to the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (types.Transcript, error) {
		return p.Transcribe(ctx, req)
	})
}
