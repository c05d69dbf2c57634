package actions

import (
	"strings"
	"sync"
	"time"
)

// fakeHost records every capability call made by the executor.
type fakeHost struct {
	mu          sync.Mutex
	interrupted bool
	output      strings.Builder
	idleEvents  int
	interrupts  int
	kills       []string
	history     []string
	busy        bool
}

func (h *fakeHost) RequestInterrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupted = true
	h.interrupts++
}

func (h *fakeHost) Interrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}

func (h *fakeHost) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output.String()
}

func (h *fakeHost) ClearOutput() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.output.Reset()
	h.interrupted = false
}

func (h *fakeHost) IsIdle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.busy
}

func (h *fakeHost) EmitIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idleEvents++
}

func (h *fakeHost) Kill(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kills = append(h.kills, reason)
}

func (h *fakeHost) AddHistory(role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, role+": "+text)
}

func (h *fakeHost) write(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.output.WriteString(s)
}

func (h *fakeHost) setBusy(b bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.busy = b
}

func (h *fakeHost) snapshot() (idle, interrupts int, kills, history []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idleEvents, h.interrupts, append([]string(nil), h.kills...), append([]string(nil), h.history...)
}

type fakePrompter struct {
	mu     sync.Mutex
	active bool
}

func (p *fakePrompter) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func testConfig() Config {
	return Config{
		TimeoutCapMinutes: 15,
		TimeoutUnit:       50 * time.Millisecond,
		StopRetries:       5,
		StopInterval:      10 * time.Millisecond,
		Watchdog:          2 * time.Second,
		MaxOutput:         500,
	}
}
