package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnsupportedFormat is returned for config files with an unknown extension.
	ErrUnsupportedFormat = errors.New("unsupported config format")
	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("invalid config")
)

// Environment overrides.
const (
	EnvConfigPath = "REFLEXCORE_CONFIG"
	EnvName       = "REFLEXCORE_NAME"
	EnvStoreDSN   = "REFLEXCORE_STORE_DSN"
	EnvRedisAddr  = "REFLEXCORE_REDIS_ADDR"
	EnvRelayURL   = "REFLEXCORE_RELAY_URL"
)

// Load reads a config file on top of Default. A missing file yields the
// defaults (with env overrides applied).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(cfg)
	cfg.Agent.Name = NormalizeAgentName(cfg.Agent.Name)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json", ".json5":
		return json5.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvName); v != "" {
		cfg.Agent.Name = v
	}
	if v := os.Getenv(EnvStoreDSN); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Transport.Redis.Addr = v
	}
	if v := os.Getenv(EnvRelayURL); v != "" {
		cfg.Transport.URL = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var problems []string

	if c.Actions.TimeoutCapMinutes <= 0 {
		problems = append(problems, "actions.timeout_cap_minutes must be positive")
	}
	if c.Actions.StopRetries <= 0 {
		problems = append(problems, "actions.stop_retries must be positive")
	}
	if c.Actions.MaxOutput <= 0 {
		problems = append(problems, "actions.max_output must be positive")
	}
	if c.Conversation.WaitTimeStart <= 0 || c.Conversation.MonitorInterval <= 0 {
		problems = append(problems, "conversation wait_time_start and monitor_interval must be positive")
	}

	switch c.Agent.Guard {
	case "", "log", "warn", "block", "off":
	default:
		problems = append(problems, fmt.Sprintf("agent.guard %q must be log, warn, block or off", c.Agent.Guard))
	}

	seen := make(map[string]bool, len(c.Modes.Table))
	for _, m := range c.Modes.Table {
		if m.Name == "" {
			problems = append(problems, "modes.table entry without name")
			continue
		}
		if seen[m.Name] {
			problems = append(problems, fmt.Sprintf("duplicate mode %q", m.Name))
		}
		seen[m.Name] = true
		if m.Instant && len(m.Interrupts) > 0 {
			problems = append(problems, fmt.Sprintf("mode %q: instant modes cannot declare interrupts", m.Name))
		}
	}

	switch c.Transport.Kind {
	case "memory", "ws", "redis":
	default:
		problems = append(problems, fmt.Sprintf("transport.kind %q must be memory, ws or redis", c.Transport.Kind))
	}
	if c.Transport.Kind == "ws" && c.Transport.URL == "" {
		problems = append(problems, "transport.url is required for ws transport")
	}

	switch c.Store.Driver {
	case "":
	case "sqlite", "pgx":
		if c.Store.DSN == "" {
			problems = append(problems, "store.dsn is required when store.driver is set")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or pgx", c.Store.Driver))
	}
	if c.Store.Retention.Cron != "" && !gronx.New().IsValid(c.Store.Retention.Cron) {
		problems = append(problems, fmt.Sprintf("invalid retention cron expression: %s", c.Store.Retention.Cron))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ResolvePath returns the explicit path, the env override or the default file.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return "reflexcore.yaml"
}
