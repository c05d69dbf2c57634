package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/reflexcore/internal/actions"
)

const defaultHistoryLimit = 200

// HistoryEntry is one role-tagged line of the agent's history.
type HistoryEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// runState is what the host needs from the executor.
type runState interface {
	Executing() bool
	CurrentLabel() string
}

// Host is the in-process body of an agent. It implements the capability
// interfaces of the executor, the mode controller, the conversation
// coordinator, the self prompter and the script runtime.
type Host struct {
	name  string
	world World
	limit int

	interrupted atomic.Bool
	idle        chan struct{}

	mu      sync.Mutex
	output  strings.Builder
	history []HistoryEntry
	exec    runState
	kill    func(reason string)
}

// NewHost creates a host acting in world. historyLimit bounds the history
// ring; <= 0 uses the default.
func NewHost(name string, world World, historyLimit int) *Host {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Host{
		name:  name,
		world: world,
		limit: historyLimit,
		idle:  make(chan struct{}, 1),
		kill: func(reason string) {
			slog.Error("agent.killed", "reason", reason)
			os.Exit(1)
		},
	}
}

// Attach binds the executor whose slot decides idleness.
func (h *Host) Attach(exec runState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exec = exec
}

// SetKill replaces the process kill hook.
func (h *Host) SetKill(fn func(reason string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kill = fn
}

func (h *Host) Name() string { return h.name }

func (h *Host) RequestInterrupt() { h.interrupted.Store(true) }

func (h *Host) Interrupted() bool { return h.interrupted.Load() }

func (h *Host) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output.String()
}

// ClearOutput drains the output buffer and lowers the interrupt flag.
func (h *Host) ClearOutput() {
	h.mu.Lock()
	h.output.Reset()
	h.mu.Unlock()
	h.interrupted.Store(false)
}

// Log appends a line to the action output.
func (h *Host) Log(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.output.WriteString(text)
	h.output.WriteByte('\n')
}

func (h *Host) runState() runState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec
}

// IsIdle reports whether no action holds the executor slot.
func (h *Host) IsIdle() bool {
	exec := h.runState()
	return exec == nil || !exec.Executing()
}

// CurrentLabel returns the label of the running action or "".
func (h *Host) CurrentLabel() string {
	if exec := h.runState(); exec != nil {
		return exec.CurrentLabel()
	}
	return ""
}

// EmitIdle signals Idle listeners. Signals coalesce while nobody listens.
func (h *Host) EmitIdle() {
	select {
	case h.idle <- struct{}{}:
	default:
	}
}

// Idle delivers a value each time the agent becomes idle.
func (h *Host) Idle() <-chan struct{} { return h.idle }

func (h *Host) Kill(reason string) {
	h.mu.Lock()
	kill := h.kill
	h.mu.Unlock()
	kill(reason)
}

// AddHistory appends to the bounded history ring.
func (h *Host) AddHistory(role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, HistoryEntry{Role: role, Text: text, At: time.Now()})
	if over := len(h.history) - h.limit; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}
	slog.Debug("agent.history", "agent", h.name, "role", role, "text", text)
}

// History returns a copy of the history, oldest first.
func (h *Host) History() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEntry(nil), h.history...)
}

// World returns the current world snapshot.
func (h *Host) World() map[string]any {
	if h.world == nil {
		return map[string]any{}
	}
	return h.world.Snapshot()
}

// Perform runs a world behavior. A raised interrupt flag stops the path
// before and after the behavior.
func (h *Host) Perform(ctx context.Context, behavior string, args map[string]any) error {
	if h.Interrupted() {
		return actions.ErrPathStopped
	}
	if ctx.Err() != nil {
		return actions.ErrGoalChanged
	}
	if h.world == nil {
		return fmt.Errorf("perform %s: %w", behavior, ErrNoWorld)
	}
	if err := h.world.Perform(ctx, behavior, args); err != nil {
		return err
	}
	if h.Interrupted() {
		return actions.ErrPathStopped
	}
	h.Log("Performed " + behavior + ".")
	return nil
}

// Say narrates a line in chat.
func (h *Host) Say(text string) {
	slog.Info("agent.say", "agent", h.name, "text", text)
	h.AddHistory("assistant", text)
}
