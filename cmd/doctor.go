package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/reflexcore/internal/agent"
	"github.com/nextlevelbuilder/reflexcore/internal/config"
	"github.com/nextlevelbuilder/reflexcore/internal/script"
	"github.com/nextlevelbuilder/reflexcore/internal/transport/redisbus"
	"github.com/nextlevelbuilder/reflexcore/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, journal and transport health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("reflexcore doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Agent:    %s\n", cfg.Agent.Name)

	fmt.Println()
	fmt.Println("  Checks:")
	checkJournal(cfg)
	checkTransport(ctx, cfg)
	checkScripts(cfg)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func report(name string, err error, ok string) {
	if err != nil {
		fmt.Printf("    %-12s FAIL: %s\n", name+":", err)
		return
	}
	fmt.Printf("    %-12s %s\n", name+":", ok)
}

func checkJournal(cfg *config.Config) {
	if cfg.Store.Driver == "" {
		report("Journal", nil, "disabled")
		return
	}
	j, err := openJournal(cfg)
	if err == nil {
		j.Close()
	}
	report("Journal", err, cfg.Store.Driver+" OK")
}

func checkTransport(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	switch cfg.Transport.Kind {
	case "redis":
		b := redisbus.New(redisbus.Config{
			Addr:     cfg.Transport.Redis.Addr,
			Password: cfg.Transport.Redis.Password,
			DB:       cfg.Transport.Redis.DB,
			Prefix:   cfg.Transport.Redis.Prefix,
			Backoff:  agent.BackoffConfig(cfg.Transport.Reconnect),
		}, cfg.Agent.Name)
		defer b.Close()
		report("Redis", b.Ping(ctx), cfg.Transport.Redis.Addr+" reachable")
	case "ws":
		report("Relay", pingRelay(ctx, cfg.Transport.URL), cfg.Transport.URL+" reachable")
	default:
		report("Transport", nil, "memory (in-process)")
	}
}

// pingRelay hits /healthz on the relay serving wsURL.
func pingRelay(ctx context.Context, wsURL string) error {
	u, err := url.Parse(wsURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func checkScripts(cfg *config.Config) {
	if cfg.Agent.Script != "" {
		src, err := os.ReadFile(cfg.Agent.Script)
		if err == nil {
			_, err = script.NewDecider(cfg.Agent.Script, string(src), nil, nil)
		}
		report("Decision", err, cfg.Agent.Script+" compiles")
	}
	n := 0
	for _, d := range cfg.Modes.Table {
		if d.Script == "" {
			continue
		}
		n++
		if _, err := script.Compile(d.Name, d.Script); err != nil {
			report("Mode "+d.Name, err, "")
		}
	}
	if n > 0 {
		report("Mode scripts", nil, fmt.Sprintf("%d checked", n))
	}
}
