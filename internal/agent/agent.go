// Package agent wires one agent together: the action executor, the reflex
// mode controller, the conversation coordinator, the self-prompt loop, the
// peer transport and the journal.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/reflexcore/internal/actions"
	"github.com/nextlevelbuilder/reflexcore/internal/config"
	"github.com/nextlevelbuilder/reflexcore/internal/conversation"
	"github.com/nextlevelbuilder/reflexcore/internal/modes"
	"github.com/nextlevelbuilder/reflexcore/internal/retention"
	"github.com/nextlevelbuilder/reflexcore/internal/script"
	"github.com/nextlevelbuilder/reflexcore/internal/selfprompt"
	"github.com/nextlevelbuilder/reflexcore/internal/store"
	"github.com/nextlevelbuilder/reflexcore/internal/transport"
	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

// ErrAlreadyRunning is returned by a second concurrent Run.
var ErrAlreadyRunning = errors.New("agent already running")

// Deps are the external pieces of an agent. Transport is required.
type Deps struct {
	Transport transport.Transport
	Journal   store.Journal // nil disables journaling
	World     World         // nil uses NewSimWorld
	Decider   Decider       // nil uses the configured script, or history only
}

// Agent is one running agent.
type Agent struct {
	name      string
	host      *Host
	exec      *actions.Executor
	modes     *modes.Controller
	convo     *conversation.Coordinator
	prompter  *selfprompt.Loop
	decider   Decider
	transport transport.Transport
	journal   store.Journal
	retention *retention.Service

	running atomic.Bool
}

// New builds an agent from cfg. The config is expected to be validated.
func New(cfg *config.Config, deps Deps) (*Agent, error) {
	if deps.Transport == nil {
		return nil, errors.New("agent: transport is required")
	}
	name := config.NormalizeAgentName(cfg.Agent.Name)
	world := deps.World
	if world == nil {
		world = NewSimWorld()
	}
	journal := deps.Journal
	if journal == nil {
		journal = store.Nop{}
	}

	a := &Agent{name: name, journal: journal}
	a.host = NewHost(name, world, cfg.Agent.HistoryLimit)

	decider, err := a.buildDecider(cfg, deps.Decider)
	if err != nil {
		return nil, err
	}
	decider = Guarded(decider, NewPeerGuard(cfg.Agent.Guard))
	a.decider = decider

	a.prompter = selfprompt.New(selfPromptConfig(cfg.SelfPrompt), a.host, decider)
	a.exec = actions.New(actionsConfig(cfg.Actions), a.host,
		actions.WithSelfPrompter(a.prompter),
		actions.WithRecorder(journal),
	)
	a.host.Attach(a.exec)

	table, err := modes.BuildTable(cfg.Modes.Table, cfg.Modes.Enabled, a.host, a.compileScript)
	if err != nil {
		return nil, fmt.Errorf("build mode table: %w", err)
	}
	a.modes, err = modes.NewController(a.exec, a.host, decider, table,
		modes.WithSelfPrompter(a.prompter),
		modes.WithRecorder(journal),
		modes.WithNarrator(a.host.Say),
		modes.WithTickInterval(cfg.Modes.TickInterval.D()),
	)
	if err != nil {
		return nil, fmt.Errorf("mode controller: %w", err)
	}

	a.transport = wrapTransport(deps.Transport, cfg.Transport)
	a.convo = conversation.New(conversationConfig(cfg.Conversation), a.host, decider, a.prompter, a.transport,
		conversation.WithRecorder(journal),
	)
	a.modes.SetConversations(a.convo)

	if deps.Journal != nil && cfg.Store.Driver != "" {
		a.retention, err = retention.New(cfg.Store.Retention.Cron, cfg.Store.Retention.MaxAge.D(), journal)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// wrapTransport applies text framing, then outbound pacing.
func wrapTransport(t transport.Transport, cfg config.TransportConfig) transport.Transport {
	if cfg.TextKey != "" {
		t = transport.Framed(t, cfg.TextKey)
	}
	return transport.Paced(t, cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
}

func (a *Agent) buildDecider(cfg *config.Config, override Decider) (Decider, error) {
	if override != nil {
		return override, nil
	}
	if cfg.Agent.Script == "" {
		return historyDecider{host: a.host}, nil
	}
	src, err := os.ReadFile(cfg.Agent.Script)
	if err != nil {
		return nil, fmt.Errorf("read decision script: %w", err)
	}
	d, err := script.NewDecider(cfg.Agent.Script, string(src), nil, a.reply)
	if err != nil {
		return nil, err
	}
	return recordingDecider{host: a.host, next: d}, nil
}

// reply sends a decision script's answer, opening a conversation if needed.
func (a *Agent) reply(ctx context.Context, to, text string) {
	var err error
	if a.convo.InConversation(to) {
		err = a.convo.Send(ctx, to, text, false)
	} else {
		err = a.convo.Start(ctx, to, text)
	}
	if err != nil {
		slog.Warn("agent.reply_failed", "agent", a.name, "peer", to, "error", err)
	}
}

func (a *Agent) compileScript(name, source string) (actions.Work, error) {
	return script.Work(name, source, a.host)
}

// Run starts the mode ticker, the transport, the journal retention and,
// when a goal is set, the self prompter. It blocks until ctx is done or a
// component fails, then shuts everything down.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	ctx = store.WithAgentName(ctx, a.name)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.modes.Run(gctx) })
	g.Go(func() error {
		err := a.transport.Run(gctx, a.handler(gctx))
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = transport.ErrClosed
		}
		return fmt.Errorf("transport: %w", err)
	})
	if a.retention != nil {
		g.Go(func() error {
			if err := a.retention.Run(gctx); !errors.Is(err, context.Canceled) {
				return fmt.Errorf("retention: %w", err)
			}
			return nil
		})
	}
	if a.prompter.Goal() != "" {
		a.prompter.Start(gctx)
	}
	slog.Info("agent.started", "agent", a.name, "goal", a.prompter.Goal())

	err := g.Wait()
	a.shutdown()
	slog.Info("agent.stopped", "agent", a.name, "error", err)
	return err
}

func (a *Agent) shutdown() {
	a.prompter.StopLoop()
	a.prompter.Wait()
	if err := a.convo.Close(); err != nil {
		slog.Warn("agent.conversation_close_failed", "agent", a.name, "error", err)
	}
	a.exec.CancelCurrent("agent stopping")
}

func (a *Agent) handler(ctx context.Context) transport.Handler {
	return transport.HandlerFuncs{
		Whisper: a.convo.HandlePayload,
		Roster: func(members []protocol.Member) {
			a.convo.UpdateRoster(members)
			for _, m := range members {
				if !m.InGame || m.Name == a.name {
					continue
				}
				if err := a.convo.DetectPeer(ctx, m.Name); err != nil {
					slog.Warn("agent.detect_failed", "agent", a.name, "peer", m.Name, "error", err)
				}
			}
		},
	}
}

// ApplyConfig hot-reloads the mode on/off flags and the conversation
// response tuning.
func (a *Agent) ApplyConfig(cfg *config.Config) {
	a.modes.LoadJSON(modeStates(cfg.Modes))
	a.convo.Reconfigure(conversationConfig(cfg.Conversation))
	slog.Info("agent.config_applied", "agent", a.name)
}

// Name returns the normalized agent name.
func (a *Agent) Name() string { return a.name }

// IsRunning reports whether Run is active.
func (a *Agent) IsRunning() bool { return a.running.Load() }

func (a *Agent) Host() *Host                              { return a.host }
func (a *Agent) Executor() *actions.Executor              { return a.exec }
func (a *Agent) Modes() *modes.Controller                 { return a.modes }
func (a *Agent) Conversations() *conversation.Coordinator { return a.convo }
func (a *Agent) SelfPrompter() *selfprompt.Loop           { return a.prompter }

// Perform runs a labelled action through the executor.
func (a *Agent) Perform(ctx context.Context, label string, work actions.Work, opts actions.RunOptions) actions.Result {
	return a.exec.Run(ctx, "action:"+label, work, opts)
}

// SetGoal sets the self-prompt goal and starts the loop.
func (a *Agent) SetGoal(ctx context.Context, goal string) {
	a.prompter.SetGoal(goal)
	a.prompter.Start(ctx)
}
