package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

const memoryInboundBuffer = 100

// Hub routes payloads between in-process agents.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*Memory
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[string]*Memory)}
}

// Join registers name and returns its endpoint. Every member receives the
// new roster.
func (h *Hub) Join(name string) (*Memory, error) {
	h.mu.Lock()
	if _, taken := h.members[name]; taken {
		h.mu.Unlock()
		return nil, fmt.Errorf("join %s: name taken", name)
	}
	m := &Memory{
		hub:     h,
		name:    name,
		inGame:  true,
		inbound: make(chan whisper, memoryInboundBuffer),
		roster:  make(chan []protocol.Member, 1),
		done:    make(chan struct{}),
	}
	h.members[name] = m
	h.mu.Unlock()

	slog.Debug("transport.memory_joined", "agent", name)
	h.broadcastRoster()
	return m, nil
}

// Roster returns the current members sorted by name.
func (h *Hub) Roster() []protocol.Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rosterLocked()
}

func (h *Hub) rosterLocked() []protocol.Member {
	out := make([]protocol.Member, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, protocol.Member{Name: m.name, InGame: m.inGame})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (h *Hub) leave(m *Memory) {
	h.mu.Lock()
	if h.members[m.name] != m {
		h.mu.Unlock()
		return
	}
	delete(h.members, m.name)
	h.mu.Unlock()

	slog.Debug("transport.memory_left", "agent", m.name)
	h.broadcastRoster()
}

// broadcastRoster hands every member the latest roster. A member that has
// not consumed the previous snapshot gets it replaced.
func (h *Hub) broadcastRoster() {
	h.mu.Lock()
	defer h.mu.Unlock()
	roster := h.rosterLocked()
	for _, m := range h.members {
		select {
		case <-m.roster:
		default:
		}
		m.roster <- roster
	}
}

func (h *Hub) lookup(name string) *Memory {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.members[name]
}

type whisper struct {
	from    string
	payload []byte
}

// Memory is one agent's endpoint on a Hub.
type Memory struct {
	hub     *Hub
	name    string
	inGame  bool // guarded by hub.mu
	inbound chan whisper
	roster  chan []protocol.Member

	closeOnce sync.Once
	done      chan struct{}
}

// Name returns the endpoint's agent name.
func (m *Memory) Name() string { return m.name }

// Send queues payload for to.
func (m *Memory) Send(ctx context.Context, to string, payload []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	dst := m.hub.lookup(to)
	if dst == nil {
		return fmt.Errorf("send to %s: %w", to, ErrUnknownPeer)
	}
	msg := whisper{from: m.name, payload: append([]byte(nil), payload...)}
	select {
	case dst.inbound <- msg:
		return nil
	case <-dst.done:
		return fmt.Errorf("send to %s: %w", to, ErrUnknownPeer)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches whispers and roster snapshots until ctx is done or the
// endpoint is closed.
func (m *Memory) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case roster := <-m.roster:
			h.HandleRoster(roster)
		case w := <-m.inbound:
			h.HandleWhisper(ctx, w.from, w.payload)
		}
	}
}

// SetInGame flips the member's presence flag and re-broadcasts the roster.
func (m *Memory) SetInGame(inGame bool) {
	m.hub.mu.Lock()
	m.inGame = inGame
	m.hub.mu.Unlock()
	m.hub.broadcastRoster()
}

// Close leaves the hub.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.hub.leave(m)
	})
	return nil
}
