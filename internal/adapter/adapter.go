// Package adapter is the boundary between the conversation engine and its
// external collaborators. Every call into a collaborator goes through [Call],
// which bounds it with a timeout, recovers panics and folds the result into a
// typed [Outcome], so the engine never sees an untyped failure.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Error taxonomy shared by the engine.
var (
	// ErrAdapterTimeout means a collaborator exceeded its stage budget.
	ErrAdapterTimeout = errors.New("adapter: timeout")

	// ErrAdapterFailure means a collaborator returned an error or panicked.
	ErrAdapterFailure = errors.New("adapter: failure")

	// ErrDeviceFault means an audio device became unavailable.
	ErrDeviceFault = errors.New("adapter: device fault")

	// ErrStaleResult means a result arrived for a turn that is no longer
	// current. It is logged, never surfaced to callers.
	ErrStaleResult = errors.New("adapter: stale result discarded")
)

// Status classifies the result of a collaborator call.
type Status int

const (
	// StatusOK means the call succeeded.
	StatusOK Status = iota
	// StatusTimeout means the call exceeded its budget.
	StatusTimeout
	// StatusFailed means the call returned an error or panicked.
	StatusFailed
	// StatusDeviceUnavailable means the audio device is gone.
	StatusDeviceUnavailable
)

// String returns the status name used in logs and metric attributes.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusFailed:
		return "failed"
	case StatusDeviceUnavailable:
		return "device_unavailable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the typed result of a collaborator call.
type Outcome[T any] struct {
	Value  T
	Status Status
	// Err is the underlying error for every status except StatusOK.
	Err error
}

// OK reports whether the call succeeded.
func (o Outcome[T]) OK() bool { return o.Status == StatusOK }

// Reason returns a short human-readable failure reason, or "" on success.
func (o Outcome[T]) Reason() string {
	if o.Status == StatusOK {
		return ""
	}
	if o.Err == nil {
		return o.Status.String()
	}
	return o.Err.Error()
}

// AsError returns nil on success, otherwise an error wrapping the sentinel
// matching Status together with the underlying error.
func (o Outcome[T]) AsError() error {
	var sentinel error
	switch o.Status {
	case StatusOK:
		return nil
	case StatusTimeout:
		sentinel = ErrAdapterTimeout
	case StatusDeviceUnavailable:
		sentinel = ErrDeviceFault
	default:
		sentinel = ErrAdapterFailure
	}
	if o.Err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, o.Err)
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Name  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("adapter: %s panicked: %v", e.Name, e.Value)
}

// Classify maps an error to a Status. ctx is the context the call ran under;
// its deadline expiring counts as a timeout even when the collaborator
// returned a different error.
func Classify(ctx context.Context, err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return StatusDeviceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusFailed
	}
}

// Call runs fn under a timeout (none when timeout <= 0) and returns a typed
// Outcome. Panics inside fn are recovered into StatusFailed. When the
// deadline passes or ctx is cancelled Call returns at once even if fn ignores
// its context; the abandoned fn finishes in the background and its result is
// dropped.
func Call[T any](ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (T, error)) Outcome[T] {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if callCtx.Done() == nil {
		return invoke(callCtx, name, fn)
	}

	done := make(chan Outcome[T], 1)
	go func() { done <- invoke(callCtx, name, fn) }()
	select {
	case out := <-done:
		return out
	case <-callCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case out := <-done:
			return out
		default:
		}
		err := callCtx.Err()
		return Outcome[T]{Status: Classify(callCtx, err), Err: fmt.Errorf("%s: abandoned: %w", name, err)}
	}
}

// Invoke runs fn on the calling goroutine and returns a typed Outcome,
// recovering panics into StatusFailed. Unlike [Call] it never abandons fn:
// it returns only once fn has. Use it for collaborators that must not be
// entered from two goroutines at once.
func Invoke[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) Outcome[T] {
	return invoke(ctx, name, fn)
}

func invoke[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) (out Outcome[T]) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome[T]{Status: StatusFailed, Err: &PanicError{Name: name, Value: r}}
		}
	}()

	v, err := fn(ctx)
	if err != nil {
		return Outcome[T]{Value: v, Status: Classify(ctx, err), Err: fmt.Errorf("%s: %w", name, err)}
	}
	return Outcome[T]{Value: v, Status: StatusOK}
}

// Do is [Call] for collaborators that return only an error.
func Do(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) Outcome[struct{}] {
	return Call(ctx, name, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

// Named pairs a cleanup target with a label for error messages.
type Named struct {
	Name   string
	Closer io.Closer
}

// CloseAll closes every target even if earlier ones fail or panic, logs each
// failure, and returns all errors joined. Nil closers are skipped.
func CloseAll(log *slog.Logger, targets ...Named) error {
	if log == nil {
		log = slog.Default()
	}
	var errs []error
	for _, t := range targets {
		if t.Closer == nil {
			continue
		}
		if err := closeOne(t); err != nil {
			log.Warn("adapter: cleanup failed", "adapter", t.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeOne(t Named) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Name: t.Name + " close", Value: r}
		}
	}()
	if err := t.Closer.Close(); err != nil {
		return fmt.Errorf("%s: close: %w", t.Name, err)
	}
	return nil
}
