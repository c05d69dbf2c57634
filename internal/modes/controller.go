// Package modes implements the reflex scheduler: a priority-ordered table of
// modes evaluated once per tick, each able to preempt the current action.
package modes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/reflexcore/internal/actions"
	"github.com/nextlevelbuilder/reflexcore/internal/store"
)

const defaultTickInterval = 300 * time.Millisecond

// Executor is the action executor capability.
type Executor interface {
	Run(ctx context.Context, label string, work actions.Work, opts actions.RunOptions) actions.Result
	CurrentLabel() string
	HasResume() bool
}

// Host exposes the world the modes react to.
type Host interface {
	IsIdle() bool
	// World returns a snapshot of world facts keyed by name.
	World() map[string]any
	// Perform runs a world primitive by name.
	Perform(ctx context.Context, behavior string, args map[string]any) error
}

// DecisionMaker receives role-tagged messages.
type DecisionMaker interface {
	HandleMessage(ctx context.Context, role, message string)
}

// SelfPrompter controls the autonomous loop.
type SelfPrompter interface {
	IsActive() bool
	StopLoop()
}

// Conversations reports conversation state. InConversation("") reports
// whether any conversation is active.
type Conversations interface {
	InConversation(name string) bool
	LastSender() string
}

// Recorder journals mode preemptions.
type Recorder interface {
	RecordMode(ctx context.Context, rec store.ModeRecord) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithSelfPrompter lets preempting modes stop an active self prompter.
func WithSelfPrompter(p SelfPrompter) Option { return func(c *Controller) { c.prompter = p } }

// WithConversations picks the reprompt role from the last conversation sender.
func WithConversations(v Conversations) Option { return func(c *Controller) { c.convos = v } }

// WithRecorder journals every preemption.
func WithRecorder(r Recorder) Option { return func(c *Controller) { c.recorder = r } }

// WithNarrator sets the sink for Say text (chat output). Nil disables narration.
func WithNarrator(fn func(string)) Option { return func(c *Controller) { c.narrate = fn } }

// WithTickInterval sets the Start loop period.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tick = d
		}
	}
}

// Controller owns the mode table and the tick loop.
type Controller struct {
	exec     Executor
	host     Host
	decider  DecisionMaker
	prompter SelfPrompter
	convos   Conversations
	recorder Recorder
	narrate  func(string)
	tick     time.Duration
	now      func() time.Time

	mu          sync.Mutex
	modes       []*Mode
	byName      map[string]*Mode
	behaviorLog strings.Builder

	running bool
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
	wg      sync.WaitGroup // in-flight mode actions
}

// NewController binds modes, in priority order, to a controller.
func NewController(exec Executor, host Host, decider DecisionMaker, table []*Mode, opts ...Option) (*Controller, error) {
	c := &Controller{
		exec:    exec,
		host:    host,
		decider: decider,
		tick:    defaultTickInterval,
		now:     time.Now,
		byName:  make(map[string]*Mode, len(table)),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, m := range table {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byName[m.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMode, m.Name)
		}
		m.c = c
		c.byName[m.Name] = m
		c.modes = append(c.modes, m)
	}
	return c, nil
}

// SetConversations wires the conversation coordinator after construction.
func (c *Controller) SetConversations(v Conversations) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convos = v
}

func (c *Controller) conversations() Conversations {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convos
}

// Modes returns the table in priority order.
func (c *Controller) Modes() []*Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Mode, len(c.modes))
	copy(out, c.modes)
	return out
}

// Tick evaluates the table once. The first mode that becomes active ends
// the scan.
func (c *Controller) Tick(ctx context.Context) {
	idle := c.host.IsIdle()
	if idle {
		c.UnpauseAll()
	}
	label := c.exec.CurrentLabel()
	env := Env{Idle: idle, Label: label, World: c.host.World()}

	for _, m := range c.Modes() {
		c.mu.Lock()
		eligible := m.on && !m.paused && !m.active && (idle || m.interruptible(label))
		c.mu.Unlock()

		if eligible && m.strategy != nil {
			m.strategy.Update(ctx, m, env)
		}
		if m.Active() {
			break
		}
	}
}

// activate marks m active. A mode preempting another mode's action takes
// over the single active slot.
func (c *Controller) activate(m *Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, other := range c.modes {
		if other != m && other.active {
			slog.Debug("mode.preempted", "mode", other.Name, "by", m.Name)
			other.active = false
		}
	}
	m.active = true
}

func (c *Controller) deactivate(m *Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m.active = false
}

func (c *Controller) lookup(name string) (*Mode, error) {
	m, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, name)
	}
	return m, nil
}

// Exists reports whether name is in the table.
// Exists reports whether a mode named name is registered.
func (c *Controller) Exists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byName[name]
	return ok
}

// SetOn enables or disables a mode. Unknown names return ErrUnknownMode.
func (c *Controller) SetOn(name string, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.lookup(name)
	if err != nil {
		return err
	}
	m.on = on
	return nil
}

// IsOn reports whether name is enabled; unknown modes are off.
func (c *Controller) IsOn(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.lookup(name)
	return err == nil && m.on
}

// Pause suspends a mode until the host next goes idle.
func (c *Controller) Pause(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.lookup(name)
	if err != nil {
		return err
	}
	m.paused = true
	return nil
}

// Unpause lifts a pause early.
func (c *Controller) Unpause(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.lookup(name)
	if err != nil {
		return err
	}
	m.paused = false
	return nil
}

// UnpauseAll clears every pause. It runs whenever the host goes idle.
func (c *Controller) UnpauseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.modes {
		if m.paused {
			slog.Debug("mode.unpaused", "mode", m.Name)
		}
		m.paused = false
	}
}

// IsPaused reports whether name is paused.
func (c *Controller) IsPaused(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.lookup(name)
	return err == nil && m.paused
}

// MiniDocs lists the modes with their on/off state.
func (c *Controller) MiniDocs() string {
	return c.docs(false)
}

// Docs lists the modes with state and description.
func (c *Controller) Docs() string {
	return c.docs(true)
}

func (c *Controller) docs(withDescription bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("Agent Modes:")
	for _, m := range c.modes {
		state := "OFF"
		if m.on {
			state = "ON"
		}
		fmt.Fprintf(&sb, "\n- %s(%s)", m.Name, state)
		if withDescription {
			sb.WriteString(": " + m.Description)
		}
	}
	return sb.String()
}

// JSON returns the on/off state of every mode.
func (c *Controller) JSON() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.modes))
	for _, m := range c.modes {
		out[m.Name] = m.on
	}
	return out
}

// LoadJSON applies on/off states; unknown names are ignored.
func (c *Controller) LoadJSON(states map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, on := range states {
		if m, ok := c.byName[name]; ok {
			m.on = on
		}
	}
}

// LoadFile reads a JSON5 object of mode on/off states from path.
func (c *Controller) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read modes file: %w", err)
	}
	var states map[string]bool
	if err := json5.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("parse modes file %s: %w", path, err)
	}
	c.LoadJSON(states)
	return nil
}

// Say appends text to the behavior log and narrates it when a narrator is set.
func (c *Controller) Say(text string) {
	c.mu.Lock()
	c.behaviorLog.WriteString(text + "\n")
	narrate := c.narrate
	c.mu.Unlock()
	if narrate != nil {
		narrate(text)
	}
}

// FlushBehaviorLog returns and clears the behavior log.
func (c *Controller) FlushBehaviorLog() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.behaviorLog.String()
	c.behaviorLog.Reset()
	return out
}

// Start begins the tick loop in a background goroutine.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.loopWg.Add(1)
	go c.loop(ctx)
	slog.Info("modes.started", "interval", c.tick, "modes", len(c.modes))
}

// Stop halts the tick loop and waits for in-flight mode actions to settle.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.loopWg.Wait()
	c.wg.Wait()
	slog.Info("modes.stopped")
}

// Run ticks until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	c.Start(ctx)
	<-ctx.Done()
	c.Stop()
	return nil
}

func (c *Controller) loop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}
