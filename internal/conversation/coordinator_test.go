package conversation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nextlevelbuilder/reflexcore/internal/store"
	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

func TestMain(m *testing.M) {
	// The expirable LRU runs a cleanup goroutine for the life of the process.
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/hashicorp/golang-lru/v2/expirable.NewLRU[...].func1"))
}

// --- fakes ---

type fakeHost struct {
	name string

	mu      sync.Mutex
	busy    bool
	label   string
	history []string
}

func (h *fakeHost) Name() string { return h.name }

func (h *fakeHost) IsIdle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.busy
}

func (h *fakeHost) CurrentLabel() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.label
}

func (h *fakeHost) AddHistory(role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, role+": "+text)
}

func (h *fakeHost) setBusy(label string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.busy = label != ""
	h.label = label
}

func (h *fakeHost) historySnapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.history...)
}

type delivered struct{ role, text string }

type fakeDecider struct {
	mu      sync.Mutex
	msgs    []delivered
	asked   int
	respond func(ctx context.Context, message string) (bool, error)
}

func (d *fakeDecider) HandleMessage(_ context.Context, role, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, delivered{role, message})
}

func (d *fakeDecider) ShouldRespond(ctx context.Context, message string) (bool, error) {
	d.mu.Lock()
	d.asked++
	fn := d.respond
	d.mu.Unlock()
	if fn == nil {
		return false, nil
	}
	return fn(ctx, message)
}

func (d *fakeDecider) messages() []delivered {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivered(nil), d.msgs...)
}

func (d *fakeDecider) withPrefix(prefix string) []delivered {
	var out []delivered
	for _, m := range d.messages() {
		if strings.HasPrefix(m.text, prefix) {
			out = append(out, m)
		}
	}
	return out
}

type fakePrompter struct {
	mu     sync.Mutex
	active bool
	paused bool
	starts int
}

func (p *fakePrompter) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *fakePrompter) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakePrompter) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active, p.paused = false, true
}

func (p *fakePrompter) Start(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active, p.paused = true, false
	p.starts++
}

func (p *fakePrompter) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

type sentPayload struct {
	from, to string
	payload  []byte
}

// wire routes payloads between coordinators registered by name. Payloads
// for unregistered names are only recorded.
type wire struct {
	mu    sync.Mutex
	sent  []sentPayload
	nodes map[string]*Coordinator
}

type wireSender struct {
	w    *wire
	from string
}

func (s wireSender) Send(ctx context.Context, to string, payload []byte) error {
	s.w.mu.Lock()
	s.w.sent = append(s.w.sent, sentPayload{s.from, to, payload})
	dst := s.w.nodes[to]
	s.w.mu.Unlock()
	if dst != nil {
		dst.HandlePayload(ctx, s.from, payload)
	}
	return nil
}

func (w *wire) register(name string, c *Coordinator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nodes == nil {
		w.nodes = map[string]*Coordinator{}
	}
	w.nodes[name] = c
}

func (w *wire) sentTo(to string) []sentPayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []sentPayload
	for _, s := range w.sent {
		if s.to == to {
			out = append(out, s)
		}
	}
	return out
}

type transcriptRecorder struct {
	mu   sync.Mutex
	recs []store.TranscriptRecord
}

func (r *transcriptRecorder) RecordTranscript(_ context.Context, rec store.TranscriptRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *transcriptRecorder) records() []store.TranscriptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.TranscriptRecord(nil), r.recs...)
}

type node struct {
	c        *Coordinator
	host     *fakeHost
	decider  *fakeDecider
	prompter *fakePrompter
}

func testConfig() Config {
	return Config{
		WaitTimeStart:   time.Hour,
		MonitorInterval: 5 * time.Millisecond,
		DisconnectGrace: time.Hour,
		FastDelay:       20 * time.Millisecond,
		LongDelay:       150 * time.Millisecond,
		ResumeDelay:     20 * time.Millisecond,
		DecisionTimeout: 50 * time.Millisecond,
		PendingTTL:      time.Hour,
		TalkOverActions: []string{"stay", "followPlayer", "mode:"},
	}
}

func newNode(t *testing.T, w *wire, name string, cfg Config, opts ...Option) *node {
	t.Helper()
	n := &node{
		host:     &fakeHost{name: name},
		decider:  &fakeDecider{},
		prompter: &fakePrompter{},
	}
	n.c = New(cfg, n.host, n.decider, n.prompter, wireSender{w: w, from: name}, opts...)
	w.register(name, n.c)
	t.Cleanup(func() { n.c.Close() })
	return n
}

// connectedTo returns a node already connected to each of peers, with the
// peers listed in game.
func connectedTo(t *testing.T, w *wire, cfg Config, peers ...string) *node {
	t.Helper()
	n := newNode(t, w, "A", cfg)
	members := []protocol.Member{{Name: "A", InGame: true}}
	for _, p := range peers {
		n.c.HandlePayload(context.Background(), p, protocol.Marshal(protocol.NewAcknowledge(p)))
		require.True(t, n.c.IsConnected(p))
		members = append(members, protocol.Member{Name: p, InGame: true})
	}
	n.c.UpdateRoster(members)
	return n
}

func chat(message string, start bool) protocol.ChatMessage {
	return protocol.NewChatMessage(message, start)
}

func decodeChat(t *testing.T, data []byte) protocol.ChatMessage {
	t.Helper()
	var m protocol.ChatMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// --- handshake ---

func TestHandshake(t *testing.T) {
	w := &wire{}
	a := newNode(t, w, "A", testConfig())
	b := newNode(t, w, "B", testConfig())

	require.NoError(t, a.c.DetectPeer(context.Background(), "B"))

	assert.True(t, a.c.IsConnected("B"))
	assert.True(t, b.c.IsConnected("A"))

	initiate := w.sentTo("B")
	require.Len(t, initiate, 1)
	assert.JSONEq(t, `{"type":"INITIATE_CONNECTION","senderName":"A"}`, string(initiate[0].payload))
	ack := w.sentTo("A")
	require.Len(t, ack, 1)
	assert.JSONEq(t, `{"type":"ACKNOWLEDGE_CONNECTION","senderName":"B"}`, string(ack[0].payload))

	// Known peers and self are not re-initiated.
	require.NoError(t, a.c.DetectPeer(context.Background(), "B"))
	require.NoError(t, a.c.DetectPeer(context.Background(), "A"))
	assert.Len(t, w.sentTo("B"), 1)
	assert.Len(t, w.sentTo("A"), 1)
}

func TestHandshake_PendingExpires(t *testing.T) {
	w := &wire{} // nobody answers
	cfg := testConfig()
	cfg.PendingTTL = 30 * time.Millisecond
	a := newNode(t, w, "A", cfg)

	require.NoError(t, a.c.DetectPeer(context.Background(), "B"))
	require.NoError(t, a.c.DetectPeer(context.Background(), "B"))
	assert.Len(t, w.sentTo("B"), 1, "pending peer is not re-initiated")
	assert.False(t, a.c.IsConnected("B"))

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, a.c.DetectPeer(context.Background(), "B"))
	assert.Len(t, w.sentTo("B"), 2, "expired pending entry allows a retry")
}

func TestHandlePayload_DropsMalformed(t *testing.T) {
	w := &wire{}
	a := newNode(t, w, "A", testConfig())

	a.c.HandlePayload(context.Background(), "B", []byte("not json"))
	a.c.HandlePayload(context.Background(), "B", []byte(`{"message":"no type"}`))
	a.c.HandlePayload(context.Background(), "B", []byte(`{"type":"TELEPORT"}`))
	a.c.HandlePayload(context.Background(), "B", []byte(`{"type":"BOT_CHAT_MESSAGE","start":"yes"}`))

	assert.False(t, a.c.InConversation(""))
	assert.Empty(t, a.decider.messages())
}

// --- delivery ---

func TestReceive_ShortDelayWhenBothIdle(t *testing.T) {
	w := &wire{}
	a := connectedTo(t, w, testConfig(), "X")

	a.c.HandlePayload(context.Background(), "X", []byte(`{"type":"BOT_CHAT_MESSAGE","message":"hi","start":true,"end":false}`))
	assert.True(t, a.c.InConversation("X"))
	assert.True(t, a.c.ResponseScheduledFor("X"))

	require.Eventually(t, func() bool { return len(a.decider.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, delivered{"X", "(FROM OTHER BOT)hi"}, a.decider.messages()[0])
	assert.Equal(t, "X", a.c.LastSender())
	assert.False(t, a.c.ResponseScheduledFor("X"))
}

func TestReceive_BurstIsConcatenatedOnce(t *testing.T) {
	w := &wire{}
	cfg := testConfig()
	cfg.FastDelay = 120 * time.Millisecond
	a := connectedTo(t, w, cfg, "X")

	a.c.Receive(context.Background(), "X", chat("hello ", true))
	time.Sleep(50 * time.Millisecond)
	a.c.Receive(context.Background(), "X", chat("there", false))

	require.Eventually(t, func() bool { return len(a.decider.messages()) > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * cfg.FastDelay)
	msgs := a.decider.messages()
	require.Len(t, msgs, 1, "exactly one delivery for the burst")
	assert.Equal(t, "(FROM OTHER BOT)hello there", msgs[0].text)
}

func TestReceive_LongDelayWhenPeerBusy(t *testing.T) {
	w := &wire{}
	a := connectedTo(t, w, testConfig(), "X")

	a.c.Receive(context.Background(), "X", chat("sure, !collectBlocks(\"oak_log\", 10)", true))
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, a.decider.messages(), "peer busy waits the long delay")
	assert.True(t, a.c.ResponseScheduledFor("X"))

	require.Eventually(t, func() bool { return len(a.decider.messages()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReceive_HostBusy(t *testing.T) {
	tests := []struct {
		name      string
		label     string
		message   string
		respond   func(context.Context, string) (bool, error)
		scheduled bool
		asked     bool
	}{
		{"talk over follow", "action:followPlayer", "hi", nil, true, false},
		{"talk over mode", "mode:self_defense", "hi", nil, true, false},
		{"decider says yes", "action:craft", "hi",
			func(context.Context, string) (bool, error) { return true, nil }, true, true},
		{"decider says no", "action:craft", "hi",
			func(context.Context, string) (bool, error) { return false, nil }, false, true},
		{"decider fails", "action:craft", "hi",
			func(context.Context, string) (bool, error) { return true, assert.AnError }, false, true},
		{"decider too slow", "action:craft", "hi",
			func(ctx context.Context, _ string) (bool, error) { <-ctx.Done(); return true, ctx.Err() }, false, true},
		{"both busy talk over", "action:stay", "!goToPlayer(\"A\")", nil, true, false},
		{"both busy", "action:craft", "!goToPlayer(\"A\")", nil, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := &wire{}
			a := connectedTo(t, w, testConfig(), "X")
			a.host.setBusy(tc.label)
			a.decider.respond = tc.respond

			a.c.Receive(context.Background(), "X", chat(tc.message, true))
			assert.Equal(t, tc.scheduled, a.c.ResponseScheduledFor("X"))
			a.decider.mu.Lock()
			asked := a.decider.asked > 0
			a.decider.mu.Unlock()
			assert.Equal(t, tc.asked, asked)
		})
	}
}

func TestReceive_EndMessage(t *testing.T) {
	w := &wire{}
	rec := &transcriptRecorder{}
	a := newNode(t, w, "A", testConfig(), WithRecorder(rec))
	a.c.HandlePayload(context.Background(), "X", protocol.Marshal(protocol.NewAcknowledge("X")))
	a.c.UpdateRoster([]protocol.Member{{Name: "X", InGame: true}})

	a.c.Receive(context.Background(), "X", chat("hi", true))
	require.Eventually(t, func() bool { return len(a.decider.messages()) == 1 }, time.Second, 5*time.Millisecond)

	a.c.Receive(context.Background(), "X", chat(`bye !endConversation("A")`, false))
	require.Eventually(t, func() bool { return len(a.decider.messages()) == 2 }, time.Second, 5*time.Millisecond)

	last := a.decider.messages()[1]
	assert.Equal(t, "system", last.role)
	assert.Equal(t, `Conversation with X ended with message: "(FROM OTHER BOT)bye !endConversation("A")"`, last.text)
	assert.False(t, a.c.InConversation("X"))
	assert.Empty(t, a.c.LastSender())

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, ReasonEnd, recs[0].Reason)

	// Ignored until the peer starts again.
	a.c.Receive(context.Background(), "X", chat("are you there?", false))
	assert.False(t, a.c.InConversation("X"))
	a.c.Receive(context.Background(), "X", chat("new topic", true))
	assert.True(t, a.c.InConversation("X"))
}

func TestReceive_RejectsWhileTalkingToSomeoneElse(t *testing.T) {
	w := &wire{}
	a := connectedTo(t, w, testConfig(), "X", "Y")

	a.c.Receive(context.Background(), "X", chat("hi", true))
	a.c.Receive(context.Background(), "Y", chat("hello?", true))

	toY := w.sentTo("Y")
	require.Len(t, toY, 1)
	reply := decodeChat(t, toY[0].payload)
	assert.Equal(t, `I'm talking to someone else, try again later. !endConversation("Y")`, reply.Message)
	assert.True(t, reply.End)
	assert.False(t, a.c.InConversation("Y"))
	assert.True(t, a.c.InConversation("X"))
}

func TestSend(t *testing.T) {
	w := &wire{}
	a := connectedTo(t, w, testConfig(), "X")

	err := a.c.Send(context.Background(), "Z", "hello", false)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, a.c.Start(context.Background(), "X", "want to build a house?"))
	sent := w.sentTo("X")
	require.Len(t, sent, 1)
	m := decodeChat(t, sent[0].payload)
	assert.Equal(t, protocol.ChatMessage{Type: protocol.TypeChatMessage, Message: "want to build a house?", Start: true}, m)
	assert.True(t, a.c.InConversation("X"))

	a.c.ForceEndCurrent(context.Background())
	sent = w.sentTo("X")
	require.Len(t, sent, 2)
	m = decodeChat(t, sent[1].payload)
	assert.Equal(t, `!endConversation("X")`, m.Message)
	assert.True(t, m.End)
	assert.False(t, a.c.InConversation("X"))

	// Ended conversations drop non-start sends.
	require.NoError(t, a.c.Send(context.Background(), "X", "one more thing", false))
	assert.Len(t, w.sentTo("X"), 2)
}

func TestEnd_CompilesQueueIntoHistory(t *testing.T) {
	w := &wire{}
	a := connectedTo(t, w, testConfig(), "X")
	a.host.setBusy("action:craft")

	a.c.Receive(context.Background(), "X", chat("come here", true))
	a.c.Receive(context.Background(), "X", chat(" please", false))
	require.False(t, a.c.ResponseScheduledFor("X"))

	a.c.End("X")
	assert.Equal(t, []string{"X: come here please"}, a.host.historySnapshot())
	assert.Empty(t, a.decider.messages())
}

func TestEndAll(t *testing.T) {
	w := &wire{}
	cfg := testConfig()
	a := connectedTo(t, w, cfg, "X", "Y")
	a.host.setBusy("action:craft")
	a.prompter.active = true

	a.c.Receive(context.Background(), "X", chat("come here", true))
	require.NoError(t, a.c.Send(context.Background(), "Y", "hold on", false))
	a.c.Receive(context.Background(), "Y", chat("sure", false))
	require.True(t, a.c.InConversation("X"))
	require.True(t, a.c.InConversation("Y"))
	require.True(t, a.prompter.IsPaused())

	a.c.EndAll()
	assert.False(t, a.c.InConversation("X"))
	assert.False(t, a.c.InConversation("Y"))
	assert.False(t, a.c.InConversation(""))
	assert.ElementsMatch(t, []string{"X: come here", "Y: sure"}, a.host.historySnapshot())
	assert.Empty(t, a.decider.messages())

	require.Eventually(t, func() bool { return a.prompter.startCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * cfg.ResumeDelay)
	assert.Equal(t, 1, a.prompter.startCount(), "one resume for all ended conversations")
	assert.True(t, a.prompter.IsActive())

	// Ended conversations ignore peers until a new start.
	a.c.Receive(context.Background(), "Y", chat("still there?", false))
	assert.False(t, a.c.InConversation("Y"))
}

// --- self prompt ---

func TestSelfPrompt_PausedAndResumed(t *testing.T) {
	w := &wire{}
	a := connectedTo(t, w, testConfig(), "X")
	a.prompter.active = true

	a.c.Receive(context.Background(), "X", chat("hi", true))
	assert.True(t, a.prompter.IsPaused(), "receiving pauses the self prompter")

	a.c.End("X")
	require.Eventually(t, func() bool { return a.prompter.startCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, a.prompter.IsActive())
}

func TestSelfPrompt_NotResumedWhenConversationRestarts(t *testing.T) {
	w := &wire{}
	cfg := testConfig()
	cfg.ResumeDelay = 60 * time.Millisecond
	a := connectedTo(t, w, cfg, "X")
	a.prompter.active = true

	require.NoError(t, a.c.Start(context.Background(), "X", "hi"))
	assert.True(t, a.prompter.IsPaused())
	a.c.End("X")
	a.c.Receive(context.Background(), "X", chat("wait!", true))

	time.Sleep(3 * cfg.ResumeDelay)
	assert.Zero(t, a.prompter.startCount())
	assert.True(t, a.prompter.IsPaused())
}

// --- liveness ---

func TestMonitor_BackoffDoublesAndResets(t *testing.T) {
	w := &wire{}
	cfg := testConfig()
	cfg.WaitTimeStart = 30 * time.Millisecond
	a := connectedTo(t, w, cfg, "X")

	require.NoError(t, a.c.Start(context.Background(), "X", "hello"))

	const nudge = "X hasn't responded in "
	require.Eventually(t, func() bool { return len(a.decider.withPrefix(nudge)) >= 2 }, 2*time.Second, 5*time.Millisecond)
	nudges := a.decider.withPrefix(nudge)
	assert.Equal(t, "system", nudges[0].role)
	assert.Equal(t, "X hasn't responded in 0.03 seconds, respond with a message to them or your own action.", nudges[0].text)
	assert.Equal(t, "X hasn't responded in 0.06 seconds, respond with a message to them or your own action.", nudges[1].text)
	assert.GreaterOrEqual(t, a.c.WaitLimit(), 120*time.Millisecond)

	// A response clears the awaiting flag; the threshold returns to base.
	a.c.Receive(context.Background(), "X", chat("sorry, was busy", false))
	require.Eventually(t, func() bool { return a.c.WaitLimit() == cfg.WaitTimeStart }, time.Second, 5*time.Millisecond)
}

func TestMonitor_NoNudgeWhileBusy(t *testing.T) {
	w := &wire{}
	cfg := testConfig()
	cfg.WaitTimeStart = 20 * time.Millisecond
	a := connectedTo(t, w, cfg, "X")
	a.host.setBusy("action:mine")

	require.NoError(t, a.c.Start(context.Background(), "X", "hello"))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, a.decider.messages())
}

func TestMonitor_DisconnectEndsConversation(t *testing.T) {
	tests := []struct {
		name      string
		paused    bool
		wantNudge bool
	}{
		{"notifies when self prompter is not paused", false, true},
		{"silent when self prompter is paused", true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := &wire{}
			cfg := testConfig()
			cfg.DisconnectGrace = 30 * time.Millisecond
			rec := &transcriptRecorder{}
			a := newNode(t, w, "A", cfg, WithRecorder(rec))
			a.c.HandlePayload(context.Background(), "X", protocol.Marshal(protocol.NewAcknowledge("X")))
			a.c.UpdateRoster([]protocol.Member{{Name: "A", InGame: true}, {Name: "X", InGame: false}})
			a.prompter.paused = tc.paused

			require.NoError(t, a.c.Start(context.Background(), "X", "hello"))
			require.Eventually(t, func() bool { return !a.c.InConversation("X") }, time.Second, 5*time.Millisecond)

			disconnected := a.decider.withPrefix("X disconnected")
			if tc.wantNudge {
				require.Eventually(t, func() bool { return len(a.decider.withPrefix("X disconnected")) == 1 }, time.Second, 5*time.Millisecond)
				assert.Equal(t, "X disconnected, conversation has ended.", a.decider.withPrefix("X disconnected")[0].text)
			} else {
				assert.Empty(t, disconnected)
				require.Eventually(t, func() bool { return a.prompter.startCount() == 1 }, time.Second, 5*time.Millisecond)
			}
			require.Eventually(t, func() bool { return len(rec.records()) == 1 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, ReasonDisconnect, rec.records()[0].Reason)
		})
	}
}

func TestMonitor_ReturningPartnerCancelsDisconnect(t *testing.T) {
	w := &wire{}
	cfg := testConfig()
	cfg.DisconnectGrace = 80 * time.Millisecond
	a := newNode(t, w, "A", cfg)
	a.c.HandlePayload(context.Background(), "X", protocol.Marshal(protocol.NewAcknowledge("X")))
	a.c.UpdateRoster([]protocol.Member{{Name: "X", InGame: false}})

	require.NoError(t, a.c.Start(context.Background(), "X", "hello"))
	time.Sleep(20 * time.Millisecond)
	a.c.UpdateRoster([]protocol.Member{{Name: "X", InGame: true}})
	time.Sleep(2 * cfg.DisconnectGrace)

	assert.True(t, a.c.InConversation("X"))
	assert.Empty(t, a.decider.withPrefix("X disconnected"))
}

// --- membership ---

func TestUpdateRoster(t *testing.T) {
	w := &wire{}
	a := connectedTo(t, w, testConfig(), "X", "Y")
	assert.Equal(t, []string{"A", "X", "Y"}, a.c.InGameAgents())

	require.NoError(t, a.c.Start(context.Background(), "X", "hello"))
	a.c.UpdateRoster([]protocol.Member{{Name: "A", InGame: true}, {Name: "Y", InGame: false}})

	assert.False(t, a.c.IsConnected("X"))
	assert.False(t, a.c.InConversation("X"), "removed peer's conversation ends")
	assert.True(t, a.c.IsConnected("Y"))
	assert.False(t, a.c.InGame("Y"))
	assert.Equal(t, []string{"A"}, a.c.InGameAgents())
}

func TestClose(t *testing.T) {
	w := &wire{}
	a := connectedTo(t, w, testConfig(), "X")
	a.c.Receive(context.Background(), "X", chat("hi", true))
	require.NoError(t, a.c.Close())
	require.NoError(t, a.c.Close())

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, a.decider.messages(), "pending deliveries are cancelled")
	assert.ErrorIs(t, a.c.Start(context.Background(), "X", "hi"), ErrClosed)
}

func TestContainsCommand(t *testing.T) {
	assert.True(t, ContainsCommand(`ok !collectBlocks("stone", 3)`))
	assert.True(t, ContainsCommand(`!endConversation("A")`))
	assert.False(t, ContainsCommand("hello! how are you"))
	assert.False(t, ContainsCommand("wow !!"))
}

func TestReconfigure(t *testing.T) {
	w := &wire{}
	a := newNode(t, w, "A", testConfig())

	a.c.Reconfigure(Config{FastDelay: time.Millisecond, TalkOverActions: []string{"stay"}})
	got := a.c.tuning()
	assert.Equal(t, time.Millisecond, got.FastDelay)
	assert.Equal(t, DefaultConfig().LongDelay, got.LongDelay, "zero values fall back to defaults")
	assert.Equal(t, []string{"stay"}, got.TalkOverActions)
	assert.Equal(t, time.Hour, got.WaitTimeStart, "monitor tuning is not reloaded")
}
