package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

// DetectPeer starts the handshake with a newly seen agent. Self, known and
// pending peers are skipped. A pending entry expires after PendingTTL so a
// later detection retries a dropped exchange.
func (c *Coordinator) DetectPeer(ctx context.Context, name string) error {
	self := c.host.Name()
	if name == "" || name == self {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	_, known := c.peers[name]
	if _, pending := c.pending.Get(name); known || pending {
		c.mu.Unlock()
		return nil
	}
	c.pending.Add(name, struct{}{})
	c.mu.Unlock()

	if err := c.sender.Send(ctx, name, protocol.Marshal(protocol.NewInitiate(self))); err != nil {
		c.pending.Remove(name)
		return fmt.Errorf("initiate %s: %w", name, err)
	}
	slog.Info("conversation.initiate_sent", "peer", name)
	return nil
}

func (c *Coordinator) handleConnection(ctx context.Context, from string, p protocol.ConnectionPayload) {
	self := c.host.Name()
	peer := p.SenderName
	if peer == "" {
		peer = from
	}
	if from == self || peer == self {
		return
	}

	switch p.Type {
	case protocol.TypeInitiate:
		slog.Info("conversation.initiate_received", "peer", peer)
		if err := c.sender.Send(ctx, peer, protocol.Marshal(protocol.NewAcknowledge(self))); err != nil {
			slog.Warn("conversation.acknowledge_failed", "peer", peer, "error", err)
		}
		c.markConnected(peer)

	case protocol.TypeAcknowledge:
		slog.Info("conversation.acknowledge_received", "peer", peer)
		c.markConnected(peer)
	}
}

func (c *Coordinator) markConnected(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[peer] = true
	c.pending.Remove(peer)
}
