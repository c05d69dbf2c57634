package modes

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/reflexcore/internal/actions"
	"github.com/nextlevelbuilder/reflexcore/internal/store"
	"github.com/nextlevelbuilder/reflexcore/internal/tracing"
)

// ScopeAll in an interrupt scope preempts any running action.
const ScopeAll = "all"

// LabelPrefix prefixes executor labels of mode actions.
const LabelPrefix = "mode:"

const repromptFormat = "(AUTO MESSAGE)Your previous action '%s' was interrupted by %s.\n" +
	"Your behavior log: %s\nRespond accordingly."

// Env is the snapshot a strategy sees on each tick.
type Env struct {
	Idle  bool
	Label string
	World map[string]any
}

// Strategy decides, once per tick, whether its mode acts.
type Strategy interface {
	Update(ctx context.Context, m *Mode, env Env)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, m *Mode, env Env)

func (f StrategyFunc) Update(ctx context.Context, m *Mode, env Env) { f(ctx, m, env) }

// Mode is one entry of the reflex table. Its priority is its position in
// the controller's table.
type Mode struct {
	Name        string
	Description string
	Interrupts  []string
	// Instantaneous modes act through Instant and never use the executor.
	Instantaneous bool

	strategy Strategy
	c        *Controller

	// guarded by c.mu
	on     bool
	paused bool
	active bool
}

// NewMode creates a mode. It is bound to a controller by NewController.
func NewMode(name, description string, interrupts []string, on bool, s Strategy) *Mode {
	return &Mode{
		Name:        name,
		Description: description,
		Interrupts:  interrupts,
		on:          on,
		strategy:    s,
	}
}

// NewInstantMode creates an instantaneous mode with an empty interrupt scope.
func NewInstantMode(name, description string, on bool, s Strategy) *Mode {
	m := NewMode(name, description, nil, on, s)
	m.Instantaneous = true
	return m
}

func (m *Mode) validate() error {
	if m.Name == "" {
		return fmt.Errorf("mode without name: %w", ErrUnknownMode)
	}
	if m.Instantaneous && len(m.Interrupts) > 0 {
		return fmt.Errorf("mode %s: %w", m.Name, ErrInstantScoped)
	}
	return nil
}

// interruptible reports whether the scope covers label. Scope entries are
// label prefixes, so "action:" covers every named action.
func (m *Mode) interruptible(label string) bool {
	if slices.Contains(m.Interrupts, ScopeAll) {
		return true
	}
	if label == "" {
		return false
	}
	for _, scope := range m.Interrupts {
		if scope != "" && strings.HasPrefix(label, scope) {
			return true
		}
	}
	return false
}

// Active reports whether the mode has an action in flight.
func (m *Mode) Active() bool {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.active
}

// Say appends text to the behavior log and narrates it.
func (m *Mode) Say(text string) {
	m.c.Say(text)
}

// Instant runs fn synchronously as the mode's effect, without the executor.
func (m *Mode) Instant(fn func()) error {
	if len(m.Interrupts) > 0 {
		return fmt.Errorf("mode %s: %w", m.Name, ErrInstantScoped)
	}
	fn()
	return nil
}

// Execute preempts the current action with work, run as "mode:<name>" on
// its own goroutine. The tick loop is never blocked.
func (m *Mode) Execute(ctx context.Context, work actions.Work, timeoutMinutes int) {
	c := m.c
	if c.prompter != nil && c.prompter.IsActive() {
		c.prompter.StopLoop()
	}
	preempted := c.exec.CurrentLabel()
	c.activate(m)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runMode(ctx, m, preempted, work, timeoutMinutes)
	}()
}

func (c *Controller) runMode(ctx context.Context, m *Mode, preempted string, work actions.Work, timeoutMinutes int) {
	ctx, span := tracing.Start(ctx, tracing.SpanModePreempt,
		tracing.AttrMode.String(m.Name),
		tracing.AttrLabel.String(preempted),
	)

	var panicked atomic.Pointer[string]
	res := c.exec.Run(ctx, LabelPrefix+m.Name, func(ctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				msg := fmt.Sprint(p)
				panicked.Store(&msg)
				err = fmt.Errorf("mode %s panicked: %s", m.Name, msg)
			}
		}()
		return work(ctx)
	}, actions.RunOptions{TimeoutMinutes: timeoutMinutes})

	if p := panicked.Load(); p != nil {
		slog.Error("mode.failed", "mode", m.Name, "error", *p)
		res = actions.Result{
			Success:     false,
			Message:     fmt.Sprintf("Mode %s failed: %s", m.Name, *p),
			Interrupted: true,
		}
	}
	c.deactivate(m)
	slog.Info("mode.finished", "mode", m.Name, "success", res.Success, "interrupted", res.Interrupted)

	reprompt := preempted != "" &&
		!c.exec.HasResume() &&
		!(c.prompter != nil && c.prompter.IsActive()) &&
		!res.Interrupted

	var behaviorLog string
	if reprompt {
		role := "system"
		if convos := c.conversations(); convos != nil && convos.InConversation("") {
			if sender := convos.LastSender(); sender != "" {
				role = sender
			}
		}
		behaviorLog = c.FlushBehaviorLog()
		c.decider.HandleMessage(ctx, role, fmt.Sprintf(repromptFormat, preempted, m.Name, behaviorLog))
	}

	if c.recorder != nil {
		rec := store.ModeRecord{
			Mode:        m.Name,
			Preempted:   preempted,
			Success:     res.Success,
			Interrupted: res.Interrupted,
			Reprompted:  reprompt,
			BehaviorLog: behaviorLog,
			At:          c.now(),
		}
		if err := c.recorder.RecordMode(context.WithoutCancel(ctx), rec); err != nil {
			slog.Warn("mode.record_failed", "mode", m.Name, "error", err)
		}
	}

	var spanErr error
	if !res.Success {
		spanErr = fmt.Errorf("%s", tracing.Preview(res.Message))
	}
	span.SetAttributes(tracing.AttrInterrupted.Bool(res.Interrupted))
	tracing.End(span, spanErr)
}
