// Package retention prunes old journal entries on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DefaultExpr runs at the top of every hour.
const DefaultExpr = "0 * * * *"

// Pruner deletes entries created before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Service runs Prune on every tick of a cron expression.
type Service struct {
	expr   string
	maxAge time.Duration
	pruner Pruner

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New validates expr and creates a service. An empty expr uses DefaultExpr.
func New(expr string, maxAge time.Duration, pruner Pruner) (*Service, error) {
	if expr == "" {
		expr = DefaultExpr
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression: %s", expr)
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	return &Service{
		expr:   expr,
		maxAge: maxAge,
		pruner: pruner,
		now:    time.Now,
		after:  time.After,
	}, nil
}

// Next returns the first tick strictly after t.
func (s *Service) Next(t time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(s.expr, t, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick of %q: %w", s.expr, err)
	}
	return next, nil
}

// PruneOnce deletes entries older than the max age.
func (s *Service) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.maxAge)
	n, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	slog.Info("retention.pruned", "deleted", n, "cutoff", cutoff)
	return n, nil
}

// Run prunes on schedule until ctx is done. Failed prunes are logged and
// retried on the next tick.
func (s *Service) Run(ctx context.Context) error {
	slog.Info("retention.started", "expr", s.expr, "max_age", s.maxAge)
	for {
		now := s.now()
		next, err := s.Next(now)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(next.Sub(now)):
		}
		if _, err := s.PruneOnce(ctx); err != nil {
			slog.Warn("retention.prune_failed", "error", err)
		}
	}
}
