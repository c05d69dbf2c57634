// Package transport moves peer payloads between agents.
//
// A Transport delivers opaque payloads addressed by agent name and reports
// roster snapshots (who is connected, who is in game). Implementations:
// the in-process Hub, the websocket relay client (package ws) and redis
// pub/sub (package redisbus). Wrappers add pacing and text framing.
package transport

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrClosed      = errors.New("transport closed")
)

// Handler receives inbound traffic. Calls come from the transport's Run
// goroutine, one at a time.
type Handler interface {
	HandleWhisper(ctx context.Context, from string, payload []byte)
	HandleRoster(members []protocol.Member)
}

// Transport is a named agent's connection to its peers.
type Transport interface {
	// Send delivers payload to the agent named to.
	Send(ctx context.Context, to string, payload []byte) error
	// Run dispatches inbound traffic to h until ctx is done or the
	// transport fails for good.
	Run(ctx context.Context, h Handler) error
}

// HandlerFuncs adapts plain funcs to Handler. Nil funcs ignore the event.
type HandlerFuncs struct {
	Whisper func(ctx context.Context, from string, payload []byte)
	Roster  func(members []protocol.Member)
}

func (f HandlerFuncs) HandleWhisper(ctx context.Context, from string, payload []byte) {
	if f.Whisper != nil {
		f.Whisper(ctx, from, payload)
	}
}

func (f HandlerFuncs) HandleRoster(members []protocol.Member) {
	if f.Roster != nil {
		f.Roster(members)
	}
}
