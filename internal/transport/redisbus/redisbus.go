// Package redisbus is the redis pub/sub peer transport.
//
// Every agent subscribes to its own channel "<prefix>:agent:<name>" and to
// the shared "<prefix>:presence" channel. Presence heartbeats are kept in
// an expiring cache; the live set is reported as the roster.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/reflexcore/internal/transport"
	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

const (
	defaultPrefix      = "reflexcore"
	defaultPresenceTTL = 15 * time.Second
	maxPresence        = 1024
)

// Config configures the transport.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	PresenceTTL time.Duration
	Backoff     transport.Backoff
}

// Bus is one agent's redis connection.
type Bus struct {
	cfg  Config
	name string
	rdb  *redis.Client

	presence *expirable.LRU[string, bool]
	dedupe   *transport.Dedupe

	mu         sync.Mutex
	inGame     bool
	lastRoster string
}

// New creates a transport for name. The connection is opened lazily.
func New(cfg Config, name string) *Bus {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = defaultPresenceTTL
	}
	return &Bus{
		cfg:  cfg,
		name: name,
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		presence: expirable.NewLRU[string, bool](maxPresence, nil, cfg.PresenceTTL),
		dedupe:   transport.NewDedupe(0, 0),
		inGame:   true,
	}
}

func (b *Bus) agentChannel(name string) string {
	return b.cfg.Prefix + ":agent:" + name
}

func (b *Bus) presenceChannel() string {
	return b.cfg.Prefix + ":presence"
}

// Send publishes a whisper on the recipient's channel. A publish nobody
// receives means the peer is gone.
func (b *Bus) Send(ctx context.Context, to string, payload []byte) error {
	env := protocol.NewWhisper(uuid.NewString(), b.name, to, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal whisper: %w", err)
	}
	n, err := b.rdb.Publish(ctx, b.agentChannel(to), data).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", to, err)
	}
	if n == 0 {
		return fmt.Errorf("publish to %s: %w", to, transport.ErrUnknownPeer)
	}
	return nil
}

// SetInGame updates the presence flag carried by the next heartbeat.
func (b *Bus) SetInGame(ctx context.Context, inGame bool) error {
	b.mu.Lock()
	b.inGame = inGame
	b.mu.Unlock()
	return b.publishPresence(ctx, true)
}

// Run subscribes and dispatches until ctx is done, reconnecting on failure.
func (b *Bus) Run(ctx context.Context, h transport.Handler) error {
	return transport.Reconnect(ctx, "redis", b.cfg.Backoff, func(ctx context.Context) (bool, error) {
		return b.session(ctx, h)
	})
}

// Ping checks that the server answers.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", b.cfg.Addr, err)
	}
	return nil
}

// Close releases the redis client.
func (b *Bus) Close() error {
	b.presence.Purge()
	return b.rdb.Close()
}

func (b *Bus) session(ctx context.Context, h transport.Handler) (bool, error) {
	sub := b.rdb.Subscribe(ctx, b.agentChannel(b.name), b.presenceChannel())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	slog.Info("redisbus.subscribed", "agent", b.name, "addr", b.cfg.Addr)

	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := b.publishPresence(leaveCtx, false); err != nil {
			slog.Debug("redisbus.leave_failed", "agent", b.name, "error", err)
		}
	}()

	if err := b.publishPresence(ctx, true); err != nil {
		return true, err
	}

	heartbeat := time.NewTicker(b.cfg.PresenceTTL / 3)
	defer heartbeat.Stop()
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-heartbeat.C:
			if err := b.publishPresence(ctx, true); err != nil {
				return true, err
			}
			b.emitRoster(h)
		case msg, ok := <-msgs:
			if !ok {
				return true, fmt.Errorf("subscription closed")
			}
			b.handle(ctx, msg, h)
		}
	}
}

// publishPresence announces this agent. present=false announces leaving.
func (b *Bus) publishPresence(ctx context.Context, present bool) error {
	b.mu.Lock()
	inGame := b.inGame
	b.mu.Unlock()

	env := &protocol.Envelope{Version: protocol.ProtocolVersion, Kind: protocol.EnvelopePresence, From: b.name}
	if present {
		env.Roster = []protocol.Member{{Name: b.name, InGame: inGame}}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.presenceChannel(), data).Err(); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

func (b *Bus) handle(ctx context.Context, msg *redis.Message, h transport.Handler) {
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		slog.Warn("redisbus.envelope_invalid", "channel", msg.Channel, "error", err)
		return
	}
	switch env.Kind {
	case protocol.EnvelopeWhisper:
		if env.To != "" && env.To != b.name {
			return
		}
		if b.dedupe.Seen(env.ID) {
			slog.Debug("redisbus.whisper_duplicate", "agent", b.name, "id", env.ID)
			return
		}
		h.HandleWhisper(ctx, env.From, env.Payload)
	case protocol.EnvelopePresence:
		if env.From == "" {
			return
		}
		if len(env.Roster) == 0 {
			b.presence.Remove(env.From)
		} else {
			b.presence.Add(env.From, env.Roster[0].InGame)
		}
		b.emitRoster(h)
	default:
		slog.Debug("redisbus.envelope_ignored", "kind", env.Kind)
	}
}

// emitRoster reports the live presence set when it changed.
func (b *Bus) emitRoster(h transport.Handler) {
	roster := b.roster()
	fp := fingerprint(roster)

	b.mu.Lock()
	changed := fp != b.lastRoster
	b.lastRoster = fp
	b.mu.Unlock()

	if changed {
		h.HandleRoster(roster)
	}
}

func (b *Bus) roster() []protocol.Member {
	keys := b.presence.Keys()
	out := make([]protocol.Member, 0, len(keys))
	for _, name := range keys {
		if inGame, ok := b.presence.Get(name); ok {
			out = append(out, protocol.Member{Name: name, InGame: inGame})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func fingerprint(members []protocol.Member) string {
	var sb strings.Builder
	for _, m := range members {
		sb.WriteString(m.Name)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatBool(m.InGame))
		sb.WriteByte(';')
	}
	return sb.String()
}
