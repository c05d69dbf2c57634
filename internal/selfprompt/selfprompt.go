// Package selfprompt runs the goal-driven autonomous loop.
//
// While the loop is active and the agent is idle, it periodically asks the
// decision maker to act toward the current goal. A conversation pauses the
// loop and resumes it later; StopLoop ends it until the next Start.
package selfprompt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultInterval = 2 * time.Second
	defaultCooldown = 2 * time.Second

	// defaultMaxIdleCycles stops the loop after this many consecutive
	// prompts that did not start an action.
	defaultMaxIdleCycles = 3
)

const promptFormat = "You are self-prompting with the goal: '%s'. Your next response MUST contain a command with this syntax: !commandName. Respond:"

// State of the loop.
type State int

const (
	Stopped State = iota
	Active
	Paused
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Host is the agent as seen by the loop.
type Host interface {
	IsIdle() bool
	AddHistory(role, text string)
}

// DecisionMaker receives the self prompts.
type DecisionMaker interface {
	HandleMessage(ctx context.Context, role, message string)
}

// Config tunes the loop.
type Config struct {
	Goal          string
	Interval      time.Duration // wait between prompts
	Cooldown      time.Duration // extra wait after a prompt that started nothing
	MaxIdleCycles int
}

// Loop is the self-prompt loop. The zero value is not usable; use New.
type Loop struct {
	cfg     Config
	host    Host
	decider DecisionMaker

	mu     sync.Mutex
	state  State
	goal   string
	cancel context.CancelFunc
	gen    uint64
	wg     sync.WaitGroup
}

// New creates a stopped loop.
func New(cfg Config, host Host, decider DecisionMaker) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.MaxIdleCycles <= 0 {
		cfg.MaxIdleCycles = defaultMaxIdleCycles
	}
	return &Loop{cfg: cfg, host: host, decider: decider, goal: cfg.Goal}
}

// SetGoal replaces the goal used by subsequent prompts.
func (l *Loop) SetGoal(goal string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.goal = goal
}

// Goal returns the current goal.
func (l *Loop) Goal() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.goal
}

// Start activates the loop. It is a no-op while already active or when no
// goal is set. The loop ends when ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Active {
		return
	}
	if l.goal == "" {
		slog.Warn("selfprompt.no_goal")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.state = Active
	l.gen++
	gen := l.gen

	l.wg.Add(1)
	go l.loop(loopCtx, gen)
	slog.Info("selfprompt.started", "goal", l.goal, "interval", l.cfg.Interval)
}

// Pause halts the loop so it can be resumed with Start.
func (l *Loop) Pause() {
	l.halt(Paused)
}

// StopLoop halts the loop; only an explicit Start brings it back.
func (l *Loop) StopLoop() {
	l.halt(Stopped)
}

func (l *Loop) halt(next State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == Stopped || l.state == next {
		return
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.state = next
	slog.Info("selfprompt.halted", "state", next.String())
}

// IsActive reports whether the loop is running.
func (l *Loop) IsActive() bool {
	return l.State() == Active
}

// IsPaused reports whether the loop is paused and resumable.
func (l *Loop) IsPaused() bool {
	return l.State() == Paused
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Wait blocks until every loop goroutine has returned.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// --- internal loop ---

func (l *Loop) loop(ctx context.Context, gen uint64) {
	defer l.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	idleCycles := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := l.cfg.Interval
		if l.host.IsIdle() {
			if l.prompt(ctx) {
				idleCycles = 0
			} else {
				idleCycles++
				wait += l.cfg.Cooldown
			}
		}

		if idleCycles >= l.cfg.MaxIdleCycles {
			l.giveUp(gen, idleCycles)
			return
		}
		timer.Reset(wait)
	}
}

// prompt sends one self prompt and reports whether the agent picked up an
// action.
func (l *Loop) prompt(ctx context.Context) bool {
	goal := l.Goal()
	l.decider.HandleMessage(ctx, "system", fmt.Sprintf(promptFormat, goal))
	if ctx.Err() != nil {
		return true
	}
	return !l.host.IsIdle()
}

func (l *Loop) giveUp(gen uint64, cycles int) {
	l.mu.Lock()
	if l.gen != gen || l.state != Active {
		l.mu.Unlock()
		return
	}
	l.cancel()
	l.cancel = nil
	l.state = Stopped
	l.mu.Unlock()

	msg := fmt.Sprintf("Agent did not use command in the last %d auto-prompts. Stopping auto-prompting.", cycles)
	slog.Warn("selfprompt.gave_up", "cycles", cycles)
	l.host.AddHistory("system", msg)
}
