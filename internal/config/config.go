// Package config holds the reflexcore runtime configuration.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Agent        AgentConfig        `json:"agent" yaml:"agent"`
	Actions      ActionsConfig      `json:"actions" yaml:"actions"`
	Modes        ModesConfig        `json:"modes" yaml:"modes"`
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
	SelfPrompt   SelfPromptConfig   `json:"self_prompt" yaml:"self_prompt"`
	Transport    TransportConfig    `json:"transport" yaml:"transport"`
	Store        StoreConfig        `json:"store" yaml:"store"`
	Telemetry    TelemetryConfig    `json:"telemetry" yaml:"telemetry"`
	Log          LogConfig          `json:"log" yaml:"log"`
}

// AgentConfig identifies the local agent.
type AgentConfig struct {
	Name         string `json:"name" yaml:"name"`
	HistoryLimit int    `json:"history_limit,omitempty" yaml:"history_limit,omitempty"`
	Script       string `json:"script,omitempty" yaml:"script,omitempty"` // optional JS decision script
	Guard        string `json:"guard,omitempty" yaml:"guard,omitempty"`   // peer guard: log, warn, block, off
}

// ActionsConfig tunes the action executor.
type ActionsConfig struct {
	TimeoutCapMinutes int      `json:"timeout_cap_minutes" yaml:"timeout_cap_minutes"`
	StopRetries       int      `json:"stop_retries" yaml:"stop_retries"`
	StopInterval      Duration `json:"stop_interval" yaml:"stop_interval"`
	Watchdog          Duration `json:"watchdog" yaml:"watchdog"`
	MaxOutput         int      `json:"max_output" yaml:"max_output"`
}

// ModesConfig describes the reflex mode table.
type ModesConfig struct {
	TickInterval Duration         `json:"tick_interval" yaml:"tick_interval"`
	Table        []ModeDescriptor `json:"table,omitempty" yaml:"table,omitempty"`
	// Enabled overrides the on/off state per mode name.
	Enabled map[string]bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// ModeDescriptor is one data-driven reflex mode.
type ModeDescriptor struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Interrupts  []string       `json:"interrupts,omitempty" yaml:"interrupts,omitempty"`
	On          bool           `json:"on" yaml:"on"`
	When        string         `json:"when,omitempty" yaml:"when,omitempty"`         // CEL predicate
	Behavior    string         `json:"behavior,omitempty" yaml:"behavior,omitempty"` // world primitive
	Args        map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Script      string         `json:"script,omitempty" yaml:"script,omitempty"` // JS run instead of behavior
	Say         string         `json:"say,omitempty" yaml:"say,omitempty"`
	Instant     bool           `json:"instant,omitempty" yaml:"instant,omitempty"`
	Timeout     int            `json:"timeout,omitempty" yaml:"timeout,omitempty"` // minutes, <=0 disables
	Cooldown    Duration       `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// ConversationConfig tunes the conversation coordinator.
type ConversationConfig struct {
	WaitTimeStart   Duration `json:"wait_time_start" yaml:"wait_time_start"`
	MonitorInterval Duration `json:"monitor_interval" yaml:"monitor_interval"`
	DisconnectGrace Duration `json:"disconnect_grace" yaml:"disconnect_grace"`
	FastDelay       Duration `json:"fast_delay" yaml:"fast_delay"`
	LongDelay       Duration `json:"long_delay" yaml:"long_delay"`
	ResumeDelay     Duration `json:"resume_delay" yaml:"resume_delay"`
	DecisionTimeout Duration `json:"decision_timeout" yaml:"decision_timeout"`
	PendingTTL      Duration `json:"pending_ttl" yaml:"pending_ttl"`
	TalkOverActions []string `json:"talk_over_actions" yaml:"talk_over_actions"`
}

// SelfPromptConfig tunes the autonomous self-prompt loop.
type SelfPromptConfig struct {
	Goal     string   `json:"goal,omitempty" yaml:"goal,omitempty"`
	Interval Duration `json:"interval" yaml:"interval"`
	Cooldown Duration `json:"cooldown" yaml:"cooldown"`
}

// TransportConfig selects the peer transport.
type TransportConfig struct {
	Kind      string        `json:"kind" yaml:"kind"` // "memory", "ws", "redis"
	URL       string        `json:"url,omitempty" yaml:"url,omitempty"`
	Listen    string        `json:"listen,omitempty" yaml:"listen,omitempty"` // relay listen address
	Redis     RedisConfig   `json:"redis" yaml:"redis"`
	RateLimit RateLimit     `json:"rate_limit" yaml:"rate_limit"`
	TextKey   string        `json:"text_key,omitempty" yaml:"text_key,omitempty"`
	Reconnect ReconnectConf `json:"reconnect" yaml:"reconnect"`
}

// RedisConfig configures the redis pub/sub transport.
type RedisConfig struct {
	Addr        string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password    string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB          int      `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix      string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	PresenceTTL Duration `json:"presence_ttl" yaml:"presence_ttl"`
}

// RateLimit paces outbound whispers.
type RateLimit struct {
	PerSecond float64 `json:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// ReconnectConf is the transport reconnect backoff.
type ReconnectConf struct {
	BaseDelay Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  Duration `json:"max_delay" yaml:"max_delay"`
}

// StoreConfig configures the journal.
type StoreConfig struct {
	Driver    string          `json:"driver" yaml:"driver"` // "sqlite", "pgx", "" (disabled)
	DSN       string          `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
}

// RetentionConfig controls journal pruning.
type RetentionConfig struct {
	Cron   string   `json:"cron" yaml:"cron"`
	MaxAge Duration `json:"max_age" yaml:"max_age"`
}

// TelemetryConfig configures OTLP export (only with -tags otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Insecure    bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" or "json"
}

// Default returns a config with every tunable set.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{Name: DefaultAgentName, HistoryLimit: 200, Guard: "warn"},
		Actions: ActionsConfig{
			TimeoutCapMinutes: 15,
			StopRetries:       5,
			StopInterval:      Duration(300 * time.Millisecond),
			Watchdog:          Duration(10 * time.Second),
			MaxOutput:         500,
		},
		Modes: ModesConfig{
			TickInterval: Duration(300 * time.Millisecond),
			Table:        DefaultModeTable(),
		},
		Conversation: ConversationConfig{
			WaitTimeStart:   Duration(30 * time.Second),
			MonitorInterval: Duration(time.Second),
			DisconnectGrace: Duration(10 * time.Second),
			FastDelay:       Duration(200 * time.Millisecond),
			LongDelay:       Duration(5 * time.Second),
			ResumeDelay:     Duration(5 * time.Second),
			DecisionTimeout: Duration(3 * time.Second),
			PendingTTL:      Duration(30 * time.Second),
			TalkOverActions: []string{"stay", "followPlayer", "mode:"},
		},
		SelfPrompt: SelfPromptConfig{
			Interval: Duration(2 * time.Second),
			Cooldown: Duration(2 * time.Second),
		},
		Transport: TransportConfig{
			Kind:      "memory",
			Listen:    "127.0.0.1:18790",
			RateLimit: RateLimit{PerSecond: 5, Burst: 10},
			Redis: RedisConfig{
				Addr:        "127.0.0.1:6379",
				Prefix:      "reflexcore",
				PresenceTTL: Duration(15 * time.Second),
			},
			Reconnect: ReconnectConf{
				BaseDelay: Duration(time.Second),
				MaxDelay:  Duration(30 * time.Second),
			},
		},
		Store: StoreConfig{
			Driver: "",
			Retention: RetentionConfig{
				Cron:   "0 * * * *",
				MaxAge: Duration(7 * 24 * time.Hour),
			},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultModeTable is the built-in priority-ordered reflex table.
func DefaultModeTable() []ModeDescriptor {
	return []ModeDescriptor{
		{
			Name:        "self_preservation",
			Description: "Respond to drowning, burning, and damage at low health. Interrupts all actions.",
			Interrupts:  []string{"all"},
			On:          true,
			When:        `bool(world.in_water) || bool(world.on_fire) || (world.health < 5 && bool(world.recently_hurt))`,
			Behavior:    "escape_danger",
			Say:         "I'm in danger!",
		},
		{
			Name:        "unstuck",
			Description: "Attempt to get unstuck when in the same place for a while. Interrupts some actions.",
			Interrupts:  []string{"all"},
			On:          true,
			When:        `!idle && world.stuck_seconds > 20.0`,
			Behavior:    "move_away",
			Args:        map[string]any{"distance": 5},
			Say:         "I'm stuck!",
		},
		{
			Name:        "cowardice",
			Description: "Run away from enemies. Interrupts all actions.",
			Interrupts:  []string{"all"},
			On:          true,
			When:        `world.nearest_enemy_distance < 16.0 && bool(world.enemy_too_strong)`,
			Behavior:    "avoid_enemies",
			Args:        map[string]any{"range": 24},
			Say:         "Aaa! An enemy!",
		},
		{
			Name:        "self_defense",
			Description: "Attack nearby enemies. Interrupts all actions.",
			Interrupts:  []string{"all"},
			On:          true,
			When:        `world.nearest_enemy_distance < 8.0`,
			Behavior:    "defend_self",
			Args:        map[string]any{"range": 8},
			Say:         "Fighting!",
		},
		{
			Name:        "hunting",
			Description: "Hunt nearby animals when idle.",
			On:          true,
			When:        `!label.startsWith("action:") && world.nearest_huntable_distance < 8.0`,
			Behavior:    "attack_nearest_huntable",
			Say:         "Hunting!",
		},
		{
			Name:        "item_collecting",
			Description: "Collect nearby items when idle.",
			Interrupts:  []string{"action:followPlayer"},
			On:          true,
			When:        `world.nearest_item_distance < 8.0`,
			Behavior:    "pickup_nearby_items",
			Say:         "Picking up item!",
			Cooldown:    Duration(2 * time.Second),
		},
		{
			Name:        "torch_placing",
			Description: "Place torches when idle and there are no torches nearby.",
			Interrupts:  []string{"action:followPlayer"},
			On:          true,
			When:        `bool(world.should_place_torch)`,
			Behavior:    "place_torch",
			Cooldown:    Duration(5 * time.Second),
		},
		{
			Name:        "elbow_room",
			Description: "Move away from nearby players when idle.",
			Interrupts:  []string{"action:followPlayer"},
			On:          true,
			When:        `world.nearest_player_distance < 0.5`,
			Behavior:    "move_away",
			Args:        map[string]any{"distance": 0.5},
		},
		{
			Name:        "idle_staring",
			Description: "Animation to look around at entities when idle.",
			On:          true,
			When:        `idle`,
			Behavior:    "look_around",
			Instant:     true,
		},
		{
			Name:        "cheat",
			Description: "Use cheats to instantly place blocks and teleport.",
			On:          false,
		},
	}
}
