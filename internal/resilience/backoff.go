package resilience

import (
	"context"
	"time"
)

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffMax  = 30 * time.Second
)

// Backoff computes exponential retry delays: Base, 2*Base, 4*Base, ... capped
// at Max. The zero value uses 1s doubling to 30s.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) limits() (base, ceiling time.Duration) {
	base, ceiling = b.Base, b.Max
	if base <= 0 {
		base = defaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = defaultBackoffMax
	}
	if ceiling < base {
		ceiling = base
	}
	return base, ceiling
}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base, ceiling := b.limits()
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
