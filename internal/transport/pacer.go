package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer paces outbound sends per recipient with a token bucket.
type Pacer struct {
	next     Transport
	limiters sync.Map // recipient -> *rate.Limiter
	r        rate.Limit
	burst    int
}

// Paced wraps t. A non-positive perSecond disables pacing.
func Paced(t Transport, perSecond float64, burst int) *Pacer {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Inf
	if perSecond > 0 {
		r = rate.Limit(perSecond)
	}
	return &Pacer{next: t, r: r, burst: burst}
}

// Enabled reports whether sends are paced.
func (p *Pacer) Enabled() bool {
	return p.r != rate.Inf
}

// Send waits for a token for to, then forwards.
func (p *Pacer) Send(ctx context.Context, to string, payload []byte) error {
	if p.Enabled() {
		lim := p.limiter(to)
		if !lim.Allow() {
			slog.Debug("transport.paced", "to", to)
			if err := lim.Wait(ctx); err != nil {
				return fmt.Errorf("pace send to %s: %w", to, err)
			}
		}
	}
	return p.next.Send(ctx, to, payload)
}

// Run forwards to the wrapped transport.
func (p *Pacer) Run(ctx context.Context, h Handler) error {
	return p.next.Run(ctx, h)
}

func (p *Pacer) limiter(to string) *rate.Limiter {
	if v, ok := p.limiters.Load(to); ok {
		return v.(*rate.Limiter)
	}
	actual, _ := p.limiters.LoadOrStore(to, rate.NewLimiter(p.r, p.burst))
	return actual.(*rate.Limiter)
}
