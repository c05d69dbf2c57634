package modes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/reflexcore/internal/actions"
	"github.com/nextlevelbuilder/reflexcore/internal/config"
)

// ScriptCompiler turns a mode script into executor work.
type ScriptCompiler func(name, source string) (actions.Work, error)

// BuildTable creates modes from config descriptors, in order. enabled
// overrides each descriptor's On flag.
func BuildTable(descs []config.ModeDescriptor, enabled map[string]bool, host Host, scripts ScriptCompiler) ([]*Mode, error) {
	table := make([]*Mode, 0, len(descs))
	for _, d := range descs {
		s, err := newDescriptorStrategy(d, host, scripts)
		if err != nil {
			return nil, fmt.Errorf("mode %s: %w", d.Name, err)
		}
		on := d.On
		if v, ok := enabled[d.Name]; ok {
			on = v
		}
		var m *Mode
		if d.Instant {
			if len(d.Interrupts) > 0 {
				return nil, fmt.Errorf("mode %s: %w", d.Name, ErrInstantScoped)
			}
			m = NewInstantMode(d.Name, d.Description, on, s)
		} else {
			m = NewMode(d.Name, d.Description, d.Interrupts, on, s)
		}
		table = append(table, m)
	}
	return table, nil
}

// descriptorStrategy acts when its predicate holds, performing a world
// behavior or a script.
type descriptorStrategy struct {
	desc config.ModeDescriptor
	when *Predicate
	host Host
	work actions.Work

	mu      sync.Mutex
	lastRun time.Time
}

func newDescriptorStrategy(d config.ModeDescriptor, host Host, scripts ScriptCompiler) (*descriptorStrategy, error) {
	s := &descriptorStrategy{desc: d, host: host}
	if d.When != "" {
		p, err := CompilePredicate(d.When)
		if err != nil {
			return nil, err
		}
		s.when = p
	}
	switch {
	case d.Script != "":
		if scripts == nil {
			return nil, fmt.Errorf("script given but no script runtime configured")
		}
		w, err := scripts(d.Name, d.Script)
		if err != nil {
			return nil, err
		}
		s.work = w
	case d.Behavior != "":
		behavior, args := d.Behavior, d.Args
		s.work = func(ctx context.Context) error {
			return host.Perform(ctx, behavior, args)
		}
	}
	return s, nil
}

func (s *descriptorStrategy) Update(ctx context.Context, m *Mode, env Env) {
	if s.when == nil || s.work == nil {
		return
	}
	ok, err := s.when.Eval(env)
	if err != nil {
		slog.Debug("mode.predicate_error", "mode", m.Name, "error", err)
		return
	}
	if !ok || !s.cooledDown() {
		return
	}
	if s.desc.Say != "" {
		m.Say(s.desc.Say)
	}

	if m.Instantaneous {
		err := m.Instant(func() {
			if err := s.work(ctx); err != nil {
				slog.Debug("mode.instant_failed", "mode", m.Name, "error", err)
			}
		})
		if err != nil {
			slog.Warn("mode.instant_rejected", "mode", m.Name, "error", err)
		}
		return
	}
	m.Execute(ctx, s.work, s.desc.Timeout)
}

func (s *descriptorStrategy) cooledDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cd := s.desc.Cooldown.D(); cd > 0 && time.Since(s.lastRun) < cd {
		return false
	}
	s.lastRun = time.Now()
	return true
}
