package transport

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Backoff controls reconnect delays.
type Backoff struct {
	BaseDelay time.Duration // first retry delay (default 500ms)
	MaxDelay  time.Duration // cap (default 30s)
}

// DefaultBackoff returns the reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.BaseDelay <= 0 {
		b.BaseDelay = def.BaseDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.MaxDelay < b.BaseDelay {
		b.MaxDelay = b.BaseDelay
	}
	return b
}

// Delay computes min(base * 2^attempt, max) with ±25% jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	delay := b.MaxDelay
	if attempt < 32 {
		if d := b.BaseDelay << uint(attempt); d > 0 && d < b.MaxDelay {
			delay = d
		}
	}

	quarter := delay / 4
	if quarter > 0 {
		delay += time.Duration(rand.Int64N(int64(quarter*2))) - quarter
	}
	return delay
}

// Reconnect calls connect until ctx is done. connect reports whether the
// session got established before it ended; an established session resets
// the attempt counter.
func Reconnect(ctx context.Context, name string, b Backoff, connect func(ctx context.Context) (established bool, err error)) error {
	attempt := 0
	for {
		established, err := connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			attempt = 0
		}
		delay := b.Delay(attempt)
		slog.Warn("transport.reconnecting", "transport", name, "attempt", attempt+1, "delay", delay, "error", err)
		attempt++

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
