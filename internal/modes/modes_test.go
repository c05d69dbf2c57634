package modes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nextlevelbuilder/reflexcore/internal/actions"
	"github.com/nextlevelbuilder/reflexcore/internal/config"
	"github.com/nextlevelbuilder/reflexcore/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// worldHost implements both the executor host and the modes host.
type worldHost struct {
	exec *actions.Executor

	mu        sync.Mutex
	world     map[string]any
	performed []string
	output    strings.Builder
	flag      bool
}

func (h *worldHost) RequestInterrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flag = true
}

func (h *worldHost) Interrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flag
}

func (h *worldHost) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output.String()
}

func (h *worldHost) ClearOutput() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.output.Reset()
	h.flag = false
}

func (h *worldHost) IsIdle() bool              { return !h.exec.Executing() }
func (h *worldHost) EmitIdle()                 {}
func (h *worldHost) Kill(string)               {}
func (h *worldHost) AddHistory(string, string) {}

func (h *worldHost) World() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]any, len(h.world))
	for k, v := range h.world {
		out[k] = v
	}
	return out
}

func (h *worldHost) Perform(_ context.Context, behavior string, _ map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.performed = append(h.performed, behavior)
	return nil
}

func (h *worldHost) setWorld(k string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.world == nil {
		h.world = map[string]any{}
	}
	h.world[k] = v
}

func (h *worldHost) behaviors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.performed...)
}

type message struct{ role, text string }

type recordingDecider struct {
	mu   sync.Mutex
	msgs []message
}

func (d *recordingDecider) HandleMessage(_ context.Context, role, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, message{role, text})
}

func (d *recordingDecider) messages() []message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]message(nil), d.msgs...)
}

type fakeConvos struct {
	active bool
	sender string
}

func (f fakeConvos) InConversation(string) bool { return f.active }
func (f fakeConvos) LastSender() string         { return f.sender }

type stubPrompter struct {
	active  atomic.Bool
	stopped atomic.Int32
}

func (p *stubPrompter) IsActive() bool { return p.active.Load() }
func (p *stubPrompter) StopLoop() {
	p.stopped.Add(1)
	p.active.Store(false)
}

type modeRecorder struct {
	mu   sync.Mutex
	recs []store.ModeRecord
}

func (r *modeRecorder) RecordMode(_ context.Context, rec store.ModeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func newHost() *worldHost {
	host := &worldHost{}
	host.exec = actions.New(actions.Config{
		TimeoutUnit:  50 * time.Millisecond,
		StopRetries:  5,
		StopInterval: 10 * time.Millisecond,
		Watchdog:     2 * time.Second,
	}, host)
	return host
}

func newHarness(t *testing.T, table []*Mode, opts ...Option) (*Controller, *worldHost, *recordingDecider) {
	t.Helper()
	host := newHost()
	decider := &recordingDecider{}
	c, err := NewController(host.exec, host, decider, table, opts...)
	require.NoError(t, err)
	t.Cleanup(c.wg.Wait)
	return c, host, decider
}

// runBackground starts a cooperative long action and returns a channel
// yielding its result.
func runBackground(t *testing.T, exec *actions.Executor, label string) <-chan actions.Result {
	t.Helper()
	started := make(chan struct{})
	done := make(chan actions.Result, 1)
	go func() {
		done <- exec.Run(context.Background(), label, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, actions.RunOptions{})
	}()
	<-started
	return done
}

func countingStrategy(calls *atomic.Int32, act bool) Strategy {
	return StrategyFunc(func(ctx context.Context, m *Mode, env Env) {
		calls.Add(1)
		if act {
			m.Execute(ctx, func(context.Context) error { return nil }, -1)
		}
	})
}

func TestTick_PriorityOrderStopsAtFirstActive(t *testing.T) {
	var first, second atomic.Int32
	c, _, _ := newHarness(t, []*Mode{
		NewMode("first", "", []string{ScopeAll}, true, countingStrategy(&first, true)),
		NewMode("second", "", []string{ScopeAll}, true, countingStrategy(&second, true)),
	})

	c.Tick(context.Background())
	c.wg.Wait()

	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(0), second.Load(), "scan stops once a mode is active")
}

func TestTick_SkipsOffAndPausedModes(t *testing.T) {
	var off, paused, last atomic.Int32
	c, host, _ := newHarness(t, []*Mode{
		NewMode("off", "", nil, false, countingStrategy(&off, false)),
		NewMode("paused", "", []string{ScopeAll}, true, countingStrategy(&paused, false)),
		NewMode("last", "", []string{ScopeAll}, true, countingStrategy(&last, false)),
	})
	done := runBackground(t, host.exec, "action:mine")
	require.NoError(t, c.Pause("paused"))

	c.Tick(context.Background())
	assert.Zero(t, off.Load())
	assert.Zero(t, paused.Load(), "paused stays paused while busy")
	assert.Equal(t, int32(1), last.Load())

	host.exec.Stop()
	<-done

	c.Tick(context.Background())
	assert.Equal(t, int32(1), paused.Load(), "idle unpauses every mode")
	assert.False(t, c.IsPaused("paused"))
}

func TestTick_InterruptScope(t *testing.T) {
	var scoped, other atomic.Int32
	c, host, _ := newHarness(t, []*Mode{
		NewMode("item_collecting", "", []string{"action:followPlayer"}, true, countingStrategy(&scoped, false)),
		NewMode("hunting", "", nil, true, countingStrategy(&other, false)),
	})

	done := runBackground(t, host.exec, "action:mine")
	c.Tick(context.Background())
	assert.Zero(t, scoped.Load(), "scoped mode must not preempt unlisted label")
	assert.Zero(t, other.Load(), "empty scope acts only when idle")
	host.exec.Stop()
	<-done

	done = runBackground(t, host.exec, "action:followPlayer")
	c.Tick(context.Background())
	assert.Equal(t, int32(1), scoped.Load())
	assert.Zero(t, other.Load())
	host.exec.Stop()
	<-done
}

func TestInterruptible_LabelPrefixes(t *testing.T) {
	tests := []struct {
		name   string
		scope  []string
		label  string
		expect bool
	}{
		{"all", []string{ScopeAll}, "action:mine", true},
		{"all while idle", []string{ScopeAll}, "", true},
		{"exact label", []string{"action:followPlayer"}, "action:followPlayer", true},
		{"prefix", []string{"action:follow"}, "action:followPlayer", true},
		{"namespace", []string{"action:"}, "action:mine", true},
		{"other namespace", []string{"action:"}, "mode:self_defense", false},
		{"unlisted", []string{"action:followPlayer"}, "action:mine", false},
		{"label shorter than scope", []string{"action:followPlayer"}, "action:follow", false},
		{"empty entry", []string{""}, "action:mine", false},
		{"no label", []string{"action:"}, "", false},
		{"empty scope", nil, "action:mine", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMode("m", "", tc.scope, true, nil)
			assert.Equal(t, tc.expect, m.interruptible(tc.label))
		})
	}
}

func TestExecute_PreemptsAndReprompts(t *testing.T) {
	rec := &modeRecorder{}
	prompter := &stubPrompter{}
	selfDefense := NewMode("self_defense", "Attack nearby enemies.", []string{ScopeAll}, true,
		StrategyFunc(func(ctx context.Context, m *Mode, env Env) {
			m.Say("Fighting!")
			m.Execute(ctx, func(context.Context) error { return nil }, -1)
		}))
	c, host, decider := newHarness(t, []*Mode{selfDefense}, WithRecorder(rec), WithSelfPrompter(prompter))

	done := runBackground(t, host.exec, "action:mine")
	c.Tick(context.Background())
	preempted := <-done
	assert.True(t, preempted.Interrupted)

	require.Eventually(t, func() bool { return len(decider.messages()) == 1 }, time.Second, 5*time.Millisecond)
	c.wg.Wait()

	msg := decider.messages()[0]
	assert.Equal(t, "system", msg.role)
	assert.Equal(t, "(AUTO MESSAGE)Your previous action 'action:mine' was interrupted by self_defense.\n"+
		"Your behavior log: Fighting!\n\nRespond accordingly.", msg.text)
	assert.Empty(t, c.FlushBehaviorLog(), "reprompt flushes the behavior log")
	assert.False(t, selfDefense.Active())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.recs, 1)
	assert.Equal(t, "action:mine", rec.recs[0].Preempted)
	assert.True(t, rec.recs[0].Reprompted)
}

func TestExecute_RepromptRoleInConversation(t *testing.T) {
	mode := NewMode("cowardice", "", []string{ScopeAll}, true, StrategyFunc(func(ctx context.Context, m *Mode, env Env) {
		m.Execute(ctx, func(context.Context) error { return nil }, -1)
	}))
	c, host, decider := newHarness(t, []*Mode{mode}, WithConversations(fakeConvos{active: true, sender: "Bob"}))

	done := runBackground(t, host.exec, "action:craft")
	c.Tick(context.Background())
	<-done
	require.Eventually(t, func() bool { return len(decider.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Bob", decider.messages()[0].role)
}

func TestExecute_NoRepromptWhenIdleOrResuming(t *testing.T) {
	var calls atomic.Int32
	mode := NewMode("self_preservation", "", []string{ScopeAll}, true, countingStrategy(&calls, true))
	c, host, decider := newHarness(t, []*Mode{mode})

	// Idle: nothing was preempted.
	c.Tick(context.Background())
	c.wg.Wait()
	assert.Empty(t, decider.messages())

	// Preempting a resumable action does not reprompt.
	started := make(chan struct{})
	done := make(chan actions.Result, 1)
	go func() {
		done <- host.exec.Resume(context.Background(), "action:followPlayer", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		}, 0)
	}()
	<-started
	c.Tick(context.Background())
	<-done
	c.wg.Wait()
	assert.Empty(t, decider.messages())
	host.exec.CancelResume()
}

func TestExecute_StopsActiveSelfPrompter(t *testing.T) {
	prompter := &stubPrompter{}
	prompter.active.Store(true)
	var calls atomic.Int32
	c, _, _ := newHarness(t, []*Mode{
		NewMode("unstuck", "", []string{ScopeAll}, true, countingStrategy(&calls, true)),
	}, WithSelfPrompter(prompter))

	c.Tick(context.Background())
	c.wg.Wait()
	assert.Equal(t, int32(1), prompter.stopped.Load())
}

func TestExecute_PanicReportsModeFailure(t *testing.T) {
	rec := &modeRecorder{}
	mode := NewMode("torch_placing", "", []string{ScopeAll}, true, StrategyFunc(func(ctx context.Context, m *Mode, env Env) {
		m.Execute(ctx, func(context.Context) error { panic("no torches") }, -1)
	}))
	c, _, decider := newHarness(t, []*Mode{mode}, WithRecorder(rec))

	c.Tick(context.Background())
	c.wg.Wait()

	assert.Empty(t, decider.messages())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.recs, 1)
	assert.False(t, rec.recs[0].Success)
	assert.True(t, rec.recs[0].Interrupted)
}

func TestInstantMode(t *testing.T) {
	var looked atomic.Int32
	staring := NewInstantMode("idle_staring", "", true, StrategyFunc(func(ctx context.Context, m *Mode, env Env) {
		require.NoError(t, m.Instant(func() { looked.Add(1) }))
	}))
	c, host, _ := newHarness(t, []*Mode{staring})

	c.Tick(context.Background())
	assert.Equal(t, int32(1), looked.Load())
	assert.False(t, host.exec.Executing(), "instant effects bypass the executor")
	assert.False(t, staring.Active())

	bad := NewInstantMode("bad", "", true, nil)
	bad.Interrupts = []string{ScopeAll}
	_, err := NewController(host.exec, host, &recordingDecider{}, []*Mode{bad})
	assert.ErrorIs(t, err, ErrInstantScoped)
}

func TestNewController_DuplicateName(t *testing.T) {
	host := newHost()
	_, err := NewController(host.exec, host, &recordingDecider{}, []*Mode{
		NewMode("a", "", nil, true, nil),
		NewMode("a", "", nil, true, nil),
	})
	assert.ErrorIs(t, err, ErrDuplicateMode)
}

func TestControllerSurface(t *testing.T) {
	var narrated []string
	c, _, _ := newHarness(t, []*Mode{
		NewMode("self_defense", "Attack nearby enemies.", []string{ScopeAll}, true, nil),
		NewMode("cheat", "Use cheats.", nil, false, nil),
	}, WithNarrator(func(s string) { narrated = append(narrated, s) }))

	assert.True(t, c.Exists("cheat"))
	assert.False(t, c.Exists("flying"))
	assert.ErrorIs(t, c.SetOn("flying", true), ErrUnknownMode)
	assert.ErrorIs(t, c.Pause("flying"), ErrUnknownMode)

	assert.Equal(t, "Agent Modes:\n- self_defense(ON)\n- cheat(OFF)", c.MiniDocs())
	assert.Equal(t, "Agent Modes:\n- self_defense(ON): Attack nearby enemies.\n- cheat(OFF): Use cheats.", c.Docs())

	require.NoError(t, c.SetOn("cheat", true))
	assert.True(t, c.IsOn("cheat"))
	assert.Equal(t, map[string]bool{"self_defense": true, "cheat": true}, c.JSON())

	c.LoadJSON(map[string]bool{"self_defense": false, "unknown": true})
	assert.False(t, c.IsOn("self_defense"))

	path := filepath.Join(t.TempDir(), "modes.json5")
	require.NoError(t, os.WriteFile(path, []byte("{ cheat: false, // off again\n}"), 0o644))
	require.NoError(t, c.LoadFile(path))
	assert.False(t, c.IsOn("cheat"))

	c.Say("Hunting!")
	c.Say("Picking up item!")
	assert.Equal(t, []string{"Hunting!", "Picking up item!"}, narrated)
	assert.Equal(t, "Hunting!\nPicking up item!\n", c.FlushBehaviorLog())
	assert.Empty(t, c.FlushBehaviorLog())
}

func TestStartStop(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newHarness(t, []*Mode{
		NewMode("hunting", "", nil, true, countingStrategy(&calls, false)),
	}, WithTickInterval(5*time.Millisecond))

	c.Start(context.Background())
	c.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestPredicate(t *testing.T) {
	tests := []struct {
		expr  string
		env   Env
		want  bool
		isErr bool
	}{
		{`idle`, Env{Idle: true}, true, false},
		{`!label.startsWith("action:") && world.nearest_huntable_distance < 8.0`,
			Env{Label: "", World: map[string]any{"nearest_huntable_distance": 3}}, true, false},
		{`!label.startsWith("action:") && world.nearest_huntable_distance < 8.0`,
			Env{Label: "action:mine", World: map[string]any{"nearest_huntable_distance": 3.0}}, false, false},
		{`world.health < 5 && bool(world.recently_hurt)`,
			Env{World: map[string]any{"health": 4.5, "recently_hurt": true}}, true, false},
		{`world.nearest_enemy_distance < 8.0`, Env{World: map[string]any{}}, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			p, err := CompilePredicate(tc.expr)
			require.NoError(t, err)
			got, err := p.Eval(tc.env)
			if tc.isErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := CompilePredicate(`label + 1`)
	assert.Error(t, err)
	_, err = CompilePredicate(`"not a bool"`)
	assert.Error(t, err)
}

func TestBuildTable_Defaults(t *testing.T) {
	host := newHost()
	table, err := BuildTable(config.DefaultModeTable(), map[string]bool{"hunting": false}, host, nil)
	require.NoError(t, err)
	require.Len(t, table, 10)

	names := make([]string, len(table))
	for i, m := range table {
		names[i] = m.Name
	}
	assert.Equal(t, []string{
		"self_preservation", "unstuck", "cowardice", "self_defense", "hunting",
		"item_collecting", "torch_placing", "elbow_room", "idle_staring", "cheat",
	}, names)
	assert.False(t, table[4].on, "enabled overrides descriptor")
	assert.True(t, table[8].Instantaneous)
	assert.False(t, table[9].on)
}

func TestBuildTable_Errors(t *testing.T) {
	host := newHost()
	_, err := BuildTable([]config.ModeDescriptor{{Name: "x", Instant: true, Interrupts: []string{ScopeAll}}}, nil, host, nil)
	assert.ErrorIs(t, err, ErrInstantScoped)

	_, err = BuildTable([]config.ModeDescriptor{{Name: "x", When: "idle", Script: "log('hi')"}}, nil, host, nil)
	assert.Error(t, err)

	_, err = BuildTable([]config.ModeDescriptor{{Name: "x", When: "idle &&"}}, nil, host, nil)
	assert.Error(t, err)

	compileErr := errors.New("bad script")
	_, err = BuildTable([]config.ModeDescriptor{{Name: "x", When: "idle", Script: "("}}, nil, host,
		func(string, string) (actions.Work, error) { return nil, compileErr })
	assert.ErrorIs(t, err, compileErr)
}

func TestDescriptorStrategy_PerformsBehavior(t *testing.T) {
	descs := []config.ModeDescriptor{
		{
			Name: "item_collecting", Interrupts: []string{"action:followPlayer"}, On: true,
			When: `world.nearest_item_distance < 8.0`, Behavior: "pickup_nearby_items",
			Say: "Picking up item!", Cooldown: config.Duration(time.Hour),
		},
		{Name: "idle_staring", On: true, When: `idle`, Behavior: "look_around", Instant: true},
	}
	host := newHost()
	table, err := BuildTable(descs, nil, host, nil)
	require.NoError(t, err)
	c, err := NewController(host.exec, host, &recordingDecider{}, table)
	require.NoError(t, err)

	host.setWorld("nearest_item_distance", 2.0)
	c.Tick(context.Background())
	c.wg.Wait()
	assert.Equal(t, []string{"pickup_nearby_items"}, host.behaviors())
	assert.Equal(t, "Picking up item!\n", c.FlushBehaviorLog())

	// Cooldown holds item collecting back; the idle animation runs instead.
	c.Tick(context.Background())
	c.wg.Wait()
	assert.Equal(t, []string{"pickup_nearby_items", "look_around"}, host.behaviors())
}
