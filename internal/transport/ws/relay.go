// Package ws is the websocket peer transport: a relay server that routes
// envelopes between named agents, and the agent-side client.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

// Server is the relay. Agents say hello with their name, then exchange
// whisper envelopes; every join, leave or presence change is broadcast as
// a roster envelope.
type Server struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	names map[string]*conn
	all   map[*conn]struct{}
}

// NewServer creates a relay.
func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		names: make(map[string]*conn),
		all:   make(map[*conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("relay.upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(wsConn, s)
	s.mu.Lock()
	s.all[c] = struct{}{}
	s.mu.Unlock()
	slog.Debug("relay.connected", "conn", c.id, "remote", r.RemoteAddr)
	c.run()
}

// ListenAndServe serves the relay at addr under path /ws until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("relay.listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close disconnects every agent. Hijacked websocket connections are not
// closed by http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.all))
	for c := range s.all {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// Roster returns the registered agents sorted by name.
func (s *Server) Roster() []protocol.Member {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.names))
	for _, c := range s.names {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	out := make([]protocol.Member, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.member())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) register(c *conn, name string) {
	if name == "" {
		c.sendError(protocol.ErrInvalidEnvelope, "hello requires a name")
		return
	}
	s.mu.Lock()
	if other, taken := s.names[name]; taken && other != c {
		s.mu.Unlock()
		c.sendError(protocol.ErrNameTaken, fmt.Sprintf("name %q is taken", name))
		return
	}
	s.names[name] = c
	s.mu.Unlock()

	c.mu.Lock()
	c.name = name
	c.mu.Unlock()

	slog.Info("relay.registered", "agent", name, "conn", c.id)
	s.broadcastRoster()
}

func (s *Server) unregister(c *conn) {
	name := c.agentName()
	s.mu.Lock()
	delete(s.all, c)
	registered := name != "" && s.names[name] == c
	if registered {
		delete(s.names, name)
	}
	s.mu.Unlock()

	if registered {
		slog.Info("relay.unregistered", "agent", name, "conn", c.id)
		s.broadcastRoster()
	}
}

// route forwards a whisper to its recipient with the sender's registered name.
func (s *Server) route(from *conn, env *protocol.Envelope) {
	s.mu.RLock()
	dst := s.names[env.To]
	s.mu.RUnlock()
	if dst == nil {
		from.sendError(protocol.ErrUnknownPeer, fmt.Sprintf("no agent named %q", env.To))
		return
	}
	out := protocol.NewWhisper(env.ID, from.agentName(), env.To, env.Payload)
	dst.sendEnvelope(out)
}

func (s *Server) broadcastRoster() {
	env := protocol.NewRoster(s.Roster())
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.names))
	for _, c := range s.names {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.sendEnvelope(env)
	}
}
