package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

const (
	// maxMessageSize bounds one envelope (64KB).
	maxMessageSize = 64 * 1024

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	sendBuffer = 256
)

// conn is one agent connected to the relay.
type conn struct {
	id     string
	ws     *websocket.Conn
	server *Server
	send   chan []byte

	mu     sync.Mutex
	name   string // set by the hello envelope
	inGame bool
	closed bool
}

func newConn(ws *websocket.Conn, server *Server) *conn {
	return &conn{
		id:     uuid.NewString(),
		ws:     ws,
		server: server,
		send:   make(chan []byte, sendBuffer),
		inGame: true,
	}
}

// run starts the pumps and blocks until the read side ends.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.server.unregister(c)
		c.close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("relay.read_error", "conn", c.id, "agent", c.agentName(), "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleEnvelope(data)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) handleEnvelope(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError(protocol.ErrInvalidEnvelope, "malformed envelope: "+err.Error())
		return
	}

	name := c.agentName()
	if name == "" && env.Kind != protocol.EnvelopeHello {
		c.sendError(protocol.ErrNotRegistered, "first envelope must be 'hello'")
		return
	}

	switch env.Kind {
	case protocol.EnvelopeHello:
		c.server.register(c, env.From)

	case protocol.EnvelopeWhisper:
		c.server.route(c, &env)

	case protocol.EnvelopePresence:
		inGame := true
		for _, m := range env.Roster {
			if m.Name == name {
				inGame = m.InGame
			}
		}
		c.mu.Lock()
		c.inGame = inGame
		c.mu.Unlock()
		c.server.broadcastRoster()

	default:
		c.sendError(protocol.ErrInvalidEnvelope, "unexpected envelope kind: "+env.Kind)
	}
}

func (c *conn) agentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *conn) member() protocol.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.Member{Name: c.name, InGame: c.inGame}
}

// sendEnvelope queues env; a full buffer drops it.
func (c *conn) sendEnvelope(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("relay.marshal_failed", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("relay.send_buffer_full", "conn", c.id, "agent", c.name, "kind", env.Kind)
	}
}

func (c *conn) sendError(code, message string) {
	c.sendEnvelope(protocol.NewRelayError(code, message))
}

// close stops the write pump after queued envelopes are flushed.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
