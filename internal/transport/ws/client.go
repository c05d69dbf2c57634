package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/reflexcore/internal/transport"
	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

// ErrNotConnected is returned by Send while no relay session is open.
var ErrNotConnected = errors.New("not connected to relay")

// Client connects one agent to a relay and reconnects with backoff.
type Client struct {
	url     string
	name    string
	backoff transport.Backoff
	dialer  *websocket.Dialer
	dedupe  *transport.Dedupe

	mu     sync.Mutex // guards conn and serializes writes
	conn   *websocket.Conn
	inGame bool
}

// NewClient creates a client for the relay at url (ws://host:port/ws).
func NewClient(url, name string, backoff transport.Backoff) *Client {
	return &Client{
		url:     url,
		name:    name,
		backoff: backoff,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		dedupe:  transport.NewDedupe(0, 0),
		inGame:  true,
	}
}

// Send wraps payload in a whisper envelope for to.
func (c *Client) Send(ctx context.Context, to string, payload []byte) error {
	env := protocol.NewWhisper(uuid.NewString(), c.name, to, payload)
	return c.write(ctx, env)
}

// SetInGame reports the agent's presence to the relay.
func (c *Client) SetInGame(ctx context.Context, inGame bool) error {
	c.mu.Lock()
	c.inGame = inGame
	c.mu.Unlock()
	return c.write(ctx, c.presence(inGame))
}

func (c *Client) presence(inGame bool) *protocol.Envelope {
	return &protocol.Envelope{
		Version: protocol.ProtocolVersion,
		Kind:    protocol.EnvelopePresence,
		From:    c.name,
		Roster:  []protocol.Member{{Name: c.name, InGame: inGame}},
	}
}

// Run keeps a relay session open until ctx is done.
func (c *Client) Run(ctx context.Context, h transport.Handler) error {
	return transport.Reconnect(ctx, "ws", c.backoff, func(ctx context.Context) (bool, error) {
		return c.session(ctx, h)
	})
}

func (c *Client) session(ctx context.Context, h transport.Handler) (established bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	hello := &protocol.Envelope{Version: protocol.ProtocolVersion, Kind: protocol.EnvelopeHello, From: c.name}
	c.mu.Lock()
	c.conn = conn
	err = c.writeLocked(ctx, hello)
	if err == nil && !c.inGame {
		err = c.writeLocked(ctx, c.presence(false))
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()
	if err != nil {
		return false, err
	}
	slog.Info("ws.connected", "agent", c.name, "url", c.url)

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(sessCtx, conn)
	}()
	stop := context.AfterFunc(sessCtx, func() { conn.Close() })
	defer func() {
		stop()
		cancel()
		wg.Wait()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return established, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.dispatch(ctx, data, h) {
			established = true
		}
	}
}

// dispatch handles one relay envelope and reports whether it was
// relay traffic proving the session registered.
func (c *Client) dispatch(ctx context.Context, data []byte, h transport.Handler) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("ws.envelope_invalid", "agent", c.name, "error", err)
		return false
	}
	switch env.Kind {
	case protocol.EnvelopeRoster:
		h.HandleRoster(env.Roster)
		return true
	case protocol.EnvelopeWhisper:
		if c.dedupe.Seen(env.ID) {
			slog.Debug("ws.whisper_duplicate", "agent", c.name, "id", env.ID)
			return true
		}
		h.HandleWhisper(ctx, env.From, env.Payload)
		return true
	case protocol.EnvelopeError:
		if env.Error != nil {
			slog.Warn("ws.relay_error", "agent", c.name, "code", env.Error.Code, "message", env.Error.Message)
		}
	default:
		slog.Debug("ws.envelope_ignored", "agent", c.name, "kind", env.Kind)
	}
	return false
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ctx context.Context, env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(ctx, env)
}

func (c *Client) writeLocked(ctx context.Context, env *protocol.Envelope) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Kind, err)
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s envelope: %w", env.Kind, err)
	}
	return nil
}
