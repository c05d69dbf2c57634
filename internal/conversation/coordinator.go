// Package conversation coordinates turn-based exchanges with peer agents:
// the connection handshake, per-peer message queues with debounced
// delivery, a liveness monitor and self-prompt pause/resume.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/reflexcore/internal/store"
	"github.com/nextlevelbuilder/reflexcore/internal/tracing"
	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

const maxPending = 256

// Config tunes the coordinator.
type Config struct {
	WaitTimeStart   time.Duration
	MonitorInterval time.Duration
	DisconnectGrace time.Duration
	FastDelay       time.Duration
	LongDelay       time.Duration
	ResumeDelay     time.Duration
	DecisionTimeout time.Duration
	PendingTTL      time.Duration
	TalkOverActions []string
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		WaitTimeStart:   30 * time.Second,
		MonitorInterval: time.Second,
		DisconnectGrace: 10 * time.Second,
		FastDelay:       200 * time.Millisecond,
		LongDelay:       5 * time.Second,
		ResumeDelay:     5 * time.Second,
		DecisionTimeout: 3 * time.Second,
		PendingTTL:      30 * time.Second,
		TalkOverActions: []string{"stay", "followPlayer", "mode:"},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	fill := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	fill(&c.WaitTimeStart, def.WaitTimeStart)
	fill(&c.MonitorInterval, def.MonitorInterval)
	fill(&c.DisconnectGrace, def.DisconnectGrace)
	fill(&c.FastDelay, def.FastDelay)
	fill(&c.LongDelay, def.LongDelay)
	fill(&c.ResumeDelay, def.ResumeDelay)
	fill(&c.DecisionTimeout, def.DecisionTimeout)
	fill(&c.PendingTTL, def.PendingTTL)
	if c.TalkOverActions == nil {
		c.TalkOverActions = def.TalkOverActions
	}
}

// Host is the local agent as seen by the coordinator.
type Host interface {
	Name() string
	IsIdle() bool
	CurrentLabel() string
	AddHistory(role, text string)
}

// DecisionMaker handles delivered messages and answers talk-over questions.
type DecisionMaker interface {
	HandleMessage(ctx context.Context, role, message string)
	ShouldRespond(ctx context.Context, message string) (bool, error)
}

// SelfPrompter is the autonomous loop the coordinator pauses and resumes.
type SelfPrompter interface {
	IsActive() bool
	IsPaused() bool
	Pause()
	Start(ctx context.Context)
}

// Sender delivers a raw payload to a peer.
type Sender interface {
	Send(ctx context.Context, to string, payload []byte) error
}

// Recorder journals ended conversations.
type Recorder interface {
	RecordTranscript(ctx context.Context, rec store.TranscriptRecord) error
}

// CommandDetector reports whether a peer message means the peer is busy.
type CommandDetector func(message string) bool

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithRecorder(r Recorder) Option { return func(c *Coordinator) { c.recorder = r } }

// WithCommandDetector replaces ContainsCommand for peer-busy detection.
func WithCommandDetector(fn CommandDetector) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.isBusy = fn
		}
	}
}

// Coordinator owns every conversation of one agent.
type Coordinator struct {
	cfg      Config
	host     Host
	decider  DecisionMaker
	prompter SelfPrompter
	sender   Sender
	recorder Recorder
	isBusy   CommandDetector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // monitor goroutine and scheduled timers

	pending *expirable.LRU[string, struct{}]

	mu          sync.Mutex
	closed      bool
	convos      map[string]*Conversation
	active      *Conversation
	awaiting    bool
	waitLimit   time.Duration
	lastSender  string
	peers       map[string]bool // detected peers; true once the handshake completed
	known       map[string]bool // roster names
	inGame      map[string]bool
	monitorStop chan struct{}
	disconnect  *time.Timer
	resume      *time.Timer
}

// New creates a coordinator.
func New(cfg Config, host Host, decider DecisionMaker, prompter SelfPrompter, sender Sender, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		host:      host,
		decider:   decider,
		prompter:  prompter,
		sender:    sender,
		isBusy:    ContainsCommand,
		ctx:       ctx,
		cancel:    cancel,
		pending:   expirable.NewLRU[string, struct{}](maxPending, nil, cfg.PendingTTL),
		convos:    make(map[string]*Conversation),
		waitLimit: cfg.WaitTimeStart,
		peers:     make(map[string]bool),
		known:     make(map[string]bool),
		inGame:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- timers ---

// afterFuncLocked schedules fn and tracks it until it fires or is released
// with stopTimerLocked.
func (c *Coordinator) afterFuncLocked(d time.Duration, fn func()) *time.Timer {
	c.wg.Add(1)
	return time.AfterFunc(d, func() {
		defer c.wg.Done()
		fn()
	})
}

func (c *Coordinator) stopTimerLocked(t *time.Timer) {
	if t != nil && t.Stop() {
		c.wg.Done()
	}
}

// --- conversation state ---

func (c *Coordinator) convoLocked(name string) *Conversation {
	cv, ok := c.convos[name]
	if !ok {
		cv = &Conversation{Name: name}
		c.convos[name] = cv
	}
	return cv
}

func (c *Coordinator) resetLocked(cv *Conversation) {
	c.stopTimerLocked(cv.timer)
	cv.timer = nil
	cv.Active = false
	cv.IgnoreUntilStart = false
	cv.queue = nil
}

func (c *Coordinator) anyActiveLocked() bool {
	for _, cv := range c.convos {
		if cv.Active {
			return true
		}
	}
	return false
}

// Start opens a conversation with peer and sends the first message.
func (c *Coordinator) Start(ctx context.Context, peer, message string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	cv := c.convoLocked(peer)
	c.resetLocked(cv)
	c.mu.Unlock()

	if c.prompter.IsActive() {
		c.prompter.Pause()
	}

	c.mu.Lock()
	cv.Active = true
	c.active = cv
	c.startMonitorLocked()
	c.mu.Unlock()

	slog.Info("conversation.started", "peer", peer)
	return c.Send(ctx, peer, message, true)
}

// Send sends message to a connected peer. While the conversation ignores
// the peer until a new start, only start messages go out.
func (c *Coordinator) Send(ctx context.Context, peer, message string, start bool) error {
	c.mu.Lock()
	if !c.peers[peer] {
		c.mu.Unlock()
		slog.Warn("conversation.send_not_connected", "peer", peer)
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	cv := c.convoLocked(peer)
	if cv.IgnoreUntilStart && !start {
		c.mu.Unlock()
		slog.Debug("conversation.send_ignored", "peer", peer)
		return nil
	}
	cv.Active = true
	c.awaiting = true
	c.mu.Unlock()

	msg := protocol.NewChatMessage(message, start)
	if err := c.sender.Send(ctx, peer, protocol.Marshal(msg)); err != nil {
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	slog.Debug("conversation.sent", "peer", peer, "start", msg.Start, "end", msg.End)
	return nil
}

// HandlePayload decodes a raw peer payload and dispatches it. Malformed or
// unknown payloads are logged and dropped.
func (c *Coordinator) HandlePayload(ctx context.Context, sender string, data []byte) {
	typ, err := protocol.ParsePayloadType(data)
	if err != nil {
		slog.Warn("conversation.payload_invalid", "from", sender, "error", err)
		return
	}
	switch typ {
	case protocol.TypeChatMessage:
		var msg protocol.ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("conversation.payload_invalid", "from", sender, "type", typ, "error", err)
			return
		}
		c.Receive(ctx, sender, msg)
	case protocol.TypeInitiate, protocol.TypeAcknowledge:
		var p protocol.ConnectionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			slog.Warn("conversation.payload_invalid", "from", sender, "type", typ, "error", err)
			return
		}
		c.handleConnection(ctx, sender, p)
	default:
		slog.Warn("conversation.payload_unknown", "from", sender, "type", typ)
	}
}

// Receive queues a chat message from sender and schedules its delivery.
func (c *Coordinator) Receive(ctx context.Context, sender string, msg protocol.ChatMessage) {
	if protocol.ContainsEndToken(msg.Message) {
		msg.End = true
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	cv := c.convoLocked(sender)
	if cv.IgnoreUntilStart && !msg.Start {
		c.mu.Unlock()
		slog.Debug("conversation.ignored", "peer", sender)
		return
	}
	if c.anyActiveLocked() && !cv.Active {
		connected := c.peers[sender]
		c.mu.Unlock()
		slog.Info("conversation.rejected_busy", "peer", sender)
		if connected {
			reply := protocol.NewChatMessage(busyReply+protocol.EndConversationCommand(sender), false)
			if err := c.sender.Send(ctx, sender, protocol.Marshal(reply)); err != nil {
				slog.Warn("conversation.send_failed", "peer", sender, "error", err)
			}
		}
		c.end(sender, ReasonBusy)
		return
	}

	if msg.Start {
		c.resetLocked(cv)
		cv.Active = true
		c.active = cv
		c.startMonitorLocked()
		slog.Info("conversation.started_by_peer", "peer", sender)
	}
	c.clearMonitorTimeoutsLocked()
	cv.queue = append(cv.queue, msg)
	c.mu.Unlock()

	if c.prompter.IsActive() {
		c.prompter.Pause()
	}
	c.schedule(ctx, cv, msg)
}

// ResponseScheduledFor reports whether a delivery timer is pending for a
// connected peer in conversation.
func (c *Coordinator) ResponseScheduledFor(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv, ok := c.convos[name]
	return ok && c.peers[name] && cv.Active && cv.timer != nil
}

// InConversation reports whether name is in an active conversation, or
// with an empty name whether any conversation is active.
func (c *Coordinator) InConversation(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		return c.anyActiveLocked()
	}
	cv, ok := c.convos[name]
	return ok && cv.Active
}

// LastSender returns the peer whose message was delivered last, if its
// conversation is still open.
func (c *Coordinator) LastSender() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSender
}

// End ends the conversation with name.
func (c *Coordinator) End(name string) {
	c.end(name, ReasonEnd)
}

// EndAll ends every conversation and resumes a paused self prompter.
func (c *Coordinator) EndAll() {
	c.mu.Lock()
	names := make([]string, 0, len(c.convos))
	for name := range c.convos {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		c.end(name, ReasonEnd)
	}
	if c.prompter.IsPaused() {
		c.scheduleResume()
	}
}

// ForceEndCurrent tells the active partner the conversation is over and ends it.
func (c *Coordinator) ForceEndCurrent(ctx context.Context) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	name := c.active.Name
	c.mu.Unlock()

	if err := c.Send(ctx, name, protocol.EndConversationCommand(name), false); err != nil {
		slog.Warn("conversation.force_end_send_failed", "peer", name, "error", err)
	}
	c.end(name, ReasonForced)
}

// end closes the conversation: queued messages go to history unanswered.
func (c *Coordinator) end(name, reason string) {
	c.mu.Lock()
	cv, ok := c.convos[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasOpen := cv.Active || len(cv.queue) > 0
	pending, _ := cv.compile()
	c.stopTimerLocked(cv.timer)
	cv.timer = nil
	cv.Active = false
	cv.IgnoreUntilStart = true
	if c.lastSender == name {
		c.lastSender = ""
	}
	wasCurrent := c.active == cv
	if wasCurrent {
		c.stopMonitorLocked()
		c.active = nil
	}
	anyActive := c.anyActiveLocked()
	c.mu.Unlock()

	if strings.TrimSpace(pending.Message) != "" {
		c.host.AddHistory(name, pending.Message)
	}
	if wasCurrent && !anyActive && c.prompter.IsPaused() {
		c.scheduleResume()
	}
	if wasOpen {
		slog.Info("conversation.ended", "peer", name, "reason", reason)
		c.record(name, reason, pending.Message)
	}
}

func (c *Coordinator) record(peer, reason, pending string) {
	if c.recorder == nil {
		return
	}
	rec := store.TranscriptRecord{Peer: peer, Reason: reason, Pending: pending, At: time.Now()}
	if err := c.recorder.RecordTranscript(c.ctx, rec); err != nil {
		slog.Warn("conversation.record_failed", "peer", peer, "error", err)
	}
}

// scheduleResume restarts a paused self prompter after ResumeDelay when no
// conversation became active in the meantime.
func (c *Coordinator) scheduleResume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopTimerLocked(c.resume)
	c.resume = c.afterFuncLocked(c.cfg.ResumeDelay, func() {
		c.mu.Lock()
		closed := c.closed
		c.resume = nil
		c.mu.Unlock()
		if closed {
			return
		}
		if c.prompter.IsPaused() && !c.InConversation("") {
			slog.Info("conversation.self_prompt_resumed")
			c.prompter.Start(c.ctx)
		}
	})
}

// Close stops the monitor and every timer, then waits for in-flight callbacks.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopMonitorLocked()
	for _, cv := range c.convos {
		c.stopTimerLocked(cv.timer)
		cv.timer = nil
	}
	c.stopTimerLocked(c.resume)
	c.resume = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.pending.Purge()
	return nil
}

// --- delivery ---

// schedule arms the delivery timer for cv according to who is busy.
func (c *Coordinator) schedule(ctx context.Context, cv *Conversation, msg protocol.ChatMessage) {
	c.mu.Lock()
	c.stopTimerLocked(cv.timer)
	cv.timer = nil
	c.mu.Unlock()

	cfg := c.tuning()
	peerBusy := c.isBusy(msg.Message)
	hostBusy := !c.host.IsIdle()
	talkOver := hostBusy && canTalkOver(c.host.CurrentLabel(), cfg.TalkOverActions)

	switch {
	case hostBusy && peerBusy:
		if talkOver {
			c.armDelivery(cv, cfg.FastDelay)
		}
	case peerBusy:
		c.armDelivery(cv, cfg.LongDelay)
	case hostBusy:
		if talkOver {
			c.armDelivery(cv, cfg.FastDelay)
			return
		}
		respond := c.shouldRespond(ctx, cv.Name, msg.Message, cfg.DecisionTimeout)
		slog.Info("conversation.decided", "peer", cv.Name, "respond", respond)
		if respond {
			c.armDelivery(cv, cfg.FastDelay)
		}
	default:
		c.armDelivery(cv, cfg.FastDelay)
	}
}

// tuning snapshots the hot-reloadable part of the config.
func (c *Coordinator) tuning() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Reconfigure applies new response delays, decision timeout and talk-over
// list. Timers already armed keep their original delay.
func (c *Coordinator) Reconfigure(cfg Config) {
	cfg.applyDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.FastDelay = cfg.FastDelay
	c.cfg.LongDelay = cfg.LongDelay
	c.cfg.ResumeDelay = cfg.ResumeDelay
	c.cfg.DecisionTimeout = cfg.DecisionTimeout
	c.cfg.TalkOverActions = cfg.TalkOverActions
	slog.Info("conversation.reconfigured", "fast", cfg.FastDelay, "long", cfg.LongDelay, "decision_timeout", cfg.DecisionTimeout)
}

// shouldRespond asks the decision maker, bounded by DecisionTimeout. An
// error or timeout means no response.
func (c *Coordinator) shouldRespond(ctx context.Context, peer, message string, timeout time.Duration) bool {
	ctx, span := tracing.Start(ctx, tracing.SpanDecisionCall, tracing.AttrPeer.String(peer))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type decision struct {
		ok  bool
		err error
	}
	ch := make(chan decision, 1)
	go func() {
		ok, err := c.decider.ShouldRespond(ctx, message)
		ch <- decision{ok, err}
	}()

	select {
	case d := <-ch:
		tracing.End(span, d.err)
		if d.err != nil {
			slog.Warn("conversation.decision_failed", "peer", peer, "error", d.err)
			return false
		}
		return d.ok
	case <-ctx.Done():
		tracing.End(span, ctx.Err())
		slog.Warn("conversation.decision_timeout", "peer", peer, "timeout", timeout)
		return false
	}
}

func (c *Coordinator) armDelivery(cv *Conversation, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopTimerLocked(cv.timer)
	cv.timerGen++
	gen := cv.timerGen
	name := cv.Name
	cv.timer = c.afterFuncLocked(delay, func() { c.flush(name, gen) })
}

// flush delivers the queued burst from name.
func (c *Coordinator) flush(name string, gen uint64) {
	c.mu.Lock()
	cv, ok := c.convos[name]
	if !ok || c.closed || cv.timerGen != gen {
		c.mu.Unlock()
		return
	}
	cv.timer = nil
	msg, ok := cv.compile()
	if !ok {
		c.mu.Unlock()
		return
	}
	cv.Active = true
	c.mu.Unlock()

	ctx, span := tracing.Start(c.ctx, tracing.SpanConversationFlush, tracing.AttrPeer.String(name))
	defer tracing.End(span, nil)

	text := otherBotTag + msg.Message
	role := name
	if msg.End {
		c.end(name, ReasonEnd)
		text = fmt.Sprintf("Conversation with %s ended with message: \"%s\"", name, text)
		role = "system"
	} else {
		c.mu.Lock()
		c.lastSender = name
		c.mu.Unlock()
	}
	slog.Debug("conversation.delivered", "peer", name, "role", role, "end", msg.End)
	c.decider.HandleMessage(ctx, role, text)
}

// --- membership ---

// IsConnected reports whether the handshake with name completed.
func (c *Coordinator) IsConnected(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[name]
}

// InGame reports whether the roster lists name as present.
func (c *Coordinator) InGame(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inGame[name]
}

// InGameAgents returns the present roster members, sorted.
func (c *Coordinator) InGameAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.inGame))
	for name := range c.inGame {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UpdateRoster replaces the membership view. Peers no longer listed are
// forgotten and an active conversation with them ends.
func (c *Coordinator) UpdateRoster(members []protocol.Member) {
	c.mu.Lock()
	c.known = make(map[string]bool, len(members))
	c.inGame = make(map[string]bool, len(members))
	for _, m := range members {
		c.known[m.Name] = true
		if m.InGame {
			c.inGame[m.Name] = true
		}
	}

	var ended []string
	for name := range c.peers {
		if c.known[name] {
			continue
		}
		delete(c.peers, name)
		c.pending.Remove(name)
		if c.active != nil && c.active.Name == name {
			ended = append(ended, name)
		}
		slog.Info("conversation.peer_removed", "peer", name)
	}
	for _, name := range c.pending.Keys() {
		if !c.known[name] {
			c.pending.Remove(name)
		}
	}
	c.mu.Unlock()

	for _, name := range ended {
		c.end(name, ReasonRoster)
	}
}
