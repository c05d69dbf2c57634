package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Guard actions, set by agent.guard:
//   - "log":   info-level logging
//   - "warn":  warning-level logging (default)
//   - "block": drop the message and refuse to respond to it
//   - "off":   no scanning
const (
	GuardLog   = "log"
	GuardWarn  = "warn"
	GuardBlock = "block"
	GuardOff   = "off"
)

type guardPattern struct {
	name    string
	pattern *regexp.Regexp
}

// PeerGuard scans messages from other agents for attempts to steer this
// agent's decision maker.
type PeerGuard struct {
	action   string
	patterns []guardPattern
}

// NewPeerGuard creates a guard with the built-in patterns. An unknown
// action falls back to GuardWarn.
func NewPeerGuard(action string) *PeerGuard {
	switch action {
	case GuardLog, GuardWarn, GuardBlock, GuardOff:
	default:
		action = GuardWarn
	}
	return &PeerGuard{action: action, patterns: peerGuardPatterns()}
}

// Scan returns the names of matched patterns.
func (g *PeerGuard) Scan(message string) []string {
	if message == "" || g.action == GuardOff {
		return nil
	}
	var matches []string
	for _, gp := range g.patterns {
		if gp.pattern.MatchString(message) {
			matches = append(matches, gp.name)
		}
	}
	return matches
}

// check logs matches and reports whether the message may pass.
func (g *PeerGuard) check(peer, message string) bool {
	matches := g.Scan(message)
	if len(matches) == 0 {
		return true
	}
	attrs := []any{"peer", peer, "patterns", strings.Join(matches, ",")}
	switch g.action {
	case GuardLog:
		slog.Info("agent.peer_guard", attrs...)
	case GuardBlock:
		slog.Warn("agent.peer_guard_blocked", attrs...)
		return false
	default:
		slog.Warn("agent.peer_guard", attrs...)
	}
	return true
}

func peerGuardPatterns() []guardPattern {
	return []guardPattern{
		{
			name:    "ignore_instructions",
			pattern: regexp.MustCompile(`(?i)ignore\s+(all\s+|your\s+)*(previous\s+|prior\s+|earlier\s+)?(instructions?|rules?|prompts?|goals?)`),
		},
		{
			name:    "role_override",
			pattern: regexp.MustCompile(`(?i)(you are now|from now on you are|pretend you are|act as if you are)\s+`),
		},
		{
			name:    "system_spoof",
			pattern: regexp.MustCompile(`(?i)</?system>|\[SYSTEM\]|\(AUTO MESSAGE\)|<\|im_start\|>system`),
		},
		{
			name:    "kill_command",
			pattern: regexp.MustCompile(`(?i)!(restart|clearChat|stop)\b`),
		},
		{
			name:    "null_bytes",
			pattern: regexp.MustCompile(`\x00`),
		},
	}
}

// guardedDecider runs peer messages through a PeerGuard first.
type guardedDecider struct {
	next  Decider
	guard *PeerGuard
}

// Guarded wraps d so that peer messages pass guard first. System and
// assistant messages are never scanned.
func Guarded(d Decider, guard *PeerGuard) Decider {
	if guard == nil || guard.action == GuardOff {
		return d
	}
	return &guardedDecider{next: d, guard: guard}
}

func isPeerRole(role string) bool {
	return role != "system" && role != "assistant" && role != "user"
}

func (g *guardedDecider) HandleMessage(ctx context.Context, role, message string) {
	if isPeerRole(role) && !g.guard.check(role, message) {
		return
	}
	g.next.HandleMessage(ctx, role, message)
}

func (g *guardedDecider) ShouldRespond(ctx context.Context, message string) (bool, error) {
	if !g.guard.check("", message) {
		return false, fmt.Errorf("should respond: %w", ErrBlocked)
	}
	return g.next.ShouldRespond(ctx, message)
}
