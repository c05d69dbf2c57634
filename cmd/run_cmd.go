package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/reflexcore/internal/agent"
	"github.com/nextlevelbuilder/reflexcore/internal/config"
	"github.com/nextlevelbuilder/reflexcore/internal/store"
	"github.com/nextlevelbuilder/reflexcore/internal/store/sqlstore"
	"github.com/nextlevelbuilder/reflexcore/internal/transport"
	"github.com/nextlevelbuilder/reflexcore/internal/transport/redisbus"
	"github.com/nextlevelbuilder/reflexcore/internal/transport/ws"
)

func noopShutdown(context.Context) error { return nil }

func runCmd() *cobra.Command {
	var (
		peers []string
		goal  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent",
		Long: `Start the agent: reflex modes, conversations with peer agents, and the
self-prompt loop when a goal is set.

With the memory transport, --peers adds simulated agents on the same
in-process hub so conversations can be exercised without a relay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), peers, goal, watch)
		},
	}
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "simulated peer agents (memory transport only)")
	cmd.Flags().StringVar(&goal, "goal", "", "self-prompt goal (overrides self_prompt.goal)")
	cmd.Flags().BoolVar(&watch, "watch", true, "hot-reload mode flags and conversation tuning on config changes")
	return cmd
}

func runAgent(ctx context.Context, peers []string, goal string, watch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if goal != "" {
		cfg.SelfPrompt.Goal = goal
	}
	if len(peers) > 0 && cfg.Transport.Kind != "memory" {
		return fmt.Errorf("--peers needs the memory transport, config uses %q", cfg.Transport.Kind)
	}

	shutdownTelemetry := initTelemetry(ctx, cfg)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("otel.shutdown_failed", "error", err)
		}
	}()

	journal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	hub := transport.NewHub()
	tr, closeTransport, err := buildTransport(cfg, hub)
	if err != nil {
		return err
	}
	defer closeTransport()

	reg := agent.NewRegistry()
	primary, err := agent.New(cfg, agent.Deps{Transport: tr, Journal: journal})
	if err != nil {
		return err
	}
	if err := reg.Register(primary); err != nil {
		return err
	}
	for _, name := range peers {
		if err := addPeer(ctx, reg, hub, cfg, name); err != nil {
			return err
		}
	}
	defer func() {
		if err := reg.StopAll(); err != nil {
			slog.Warn("run.peer_stop_failed", "error", err)
		}
		for _, info := range reg.ListInfo() {
			slog.Info("run.agent_status", "agent", info.Name, "action", info.Action, "in_conversation", info.InConversation)
		}
	}()

	if watch {
		startWatcher(ctx, reg)
	}

	err = primary.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// addPeer starts a simulated agent on hub with the main config under a new
// name. Peers never self-prompt and do not journal.
func addPeer(ctx context.Context, reg *agent.Registry, hub *transport.Hub, base *config.Config, name string) error {
	pcfg := *base
	pcfg.Agent.Name = config.NormalizeAgentName(name)
	pcfg.Agent.Script = ""
	pcfg.SelfPrompt.Goal = ""

	ep, err := hub.Join(pcfg.Agent.Name)
	if err != nil {
		return err
	}
	peer, err := agent.New(&pcfg, agent.Deps{Transport: ep})
	if err != nil {
		ep.Close()
		return fmt.Errorf("peer %s: %w", name, err)
	}
	if err := reg.Register(peer); err != nil {
		ep.Close()
		return err
	}
	return reg.Start(ctx, peer.Name())
}

func startWatcher(ctx context.Context, reg *agent.Registry) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err != nil {
		slog.Debug("config.watch_skipped", "path", path, "error", err)
		return
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config.watch_failed", "error", err)
		return
	}
	w.OnChange(func(cfg *config.Config) {
		for _, name := range reg.List() {
			if a, err := reg.Get(name); err == nil {
				a.ApplyConfig(cfg)
			}
		}
	})
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config.watch_stopped", "error", err)
		}
	}()
}

// openJournal opens the configured journal, or returns nil when disabled.
func openJournal(cfg *config.Config) (store.Journal, error) {
	if cfg.Store.Driver == "" {
		return nil, nil
	}
	s, err := sqlstore.Open(store.StoreConfig{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Agent:  cfg.Agent.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return s, nil
}

// buildTransport creates the configured transport for the main agent.
func buildTransport(cfg *config.Config, hub *transport.Hub) (transport.Transport, func(), error) {
	name := cfg.Agent.Name
	switch cfg.Transport.Kind {
	case "ws":
		c := ws.NewClient(cfg.Transport.URL, name, agent.BackoffConfig(cfg.Transport.Reconnect))
		return c, func() {}, nil
	case "redis":
		r := cfg.Transport.Redis
		b := redisbus.New(redisbus.Config{
			Addr:        r.Addr,
			Password:    r.Password,
			DB:          r.DB,
			Prefix:      r.Prefix,
			PresenceTTL: r.PresenceTTL.D(),
			Backoff:     agent.BackoffConfig(cfg.Transport.Reconnect),
		}, name)
		return b, func() { b.Close() }, nil
	default:
		ep, err := hub.Join(name)
		if err != nil {
			return nil, nil, err
		}
		return ep, func() { ep.Close() }, nil
	}
}
