package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Registry tracks the agents of one process, e.g. a `run --peers`
// simulation sharing an in-memory hub.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*registered
}

type registered struct {
	agent     *Agent
	cancel    context.CancelFunc
	done      chan error
	startedAt time.Time
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*registered)}
}

// Register adds an agent without starting it.
func (r *Registry) Register(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, a.Name())
	}
	r.agents[a.Name()] = &registered{agent: a}
	return nil
}

// Get returns an agent by name.
func (r *Registry) Get(name string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", name)
	}
	return e.agent, nil
}

// Start runs a registered agent in the background.
func (r *Registry) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("agent not found: %s", name)
	}
	if e.cancel != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan error, 1)
	e.startedAt = time.Now()
	go func(a *Agent, done chan<- error) {
		done <- a.Run(ctx)
	}(e.agent, e.done)
	return nil
}

// Stop cancels a running agent and waits for Run to return.
func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	e, ok := r.agents[name]
	if !ok || e.cancel == nil {
		r.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	r.mu.Unlock()

	cancel()
	return <-done
}

// StopAll stops every running agent and returns the first error.
func (r *Registry) StopAll() error {
	var first error
	for _, name := range r.List() {
		if err := r.Stop(name); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Remove stops and forgets an agent.
func (r *Registry) Remove(name string) error {
	err := r.Stop(name)
	r.mu.Lock()
	delete(r.agents, name)
	r.mu.Unlock()
	return err
}

// List returns all agent names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Info is lightweight status about an agent.
type Info struct {
	Name           string    `json:"name"`
	IsRunning      bool      `json:"isRunning"`
	Action         string    `json:"action,omitempty"`
	InConversation bool      `json:"inConversation"`
	SelfPrompting  bool      `json:"selfPrompting"`
	StartedAt      time.Time `json:"startedAt,omitzero"`
}

// ListInfo returns status for all agents, sorted by name.
func (r *Registry) ListInfo() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.agents))
	for _, e := range r.agents {
		infos = append(infos, Info{
			Name:           e.agent.Name(),
			IsRunning:      e.agent.IsRunning(),
			Action:         e.agent.Host().CurrentLabel(),
			InConversation: e.agent.Conversations().InConversation(""),
			SelfPrompting:  e.agent.SelfPrompter().IsActive(),
			StartedAt:      e.startedAt,
		})
	}
	r.mu.RUnlock()
	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return infos
}
