// Package backoff paces reconnect and poll retries.
package backoff

import (
	"context"
	"time"
)

type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func New(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next doubles from Base on every call, capped at Max.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	} else {
		b.attempt++
	}
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
