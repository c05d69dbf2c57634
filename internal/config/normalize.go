package config

import (
	"regexp"
	"strings"
)

const DefaultAgentName = "agent"

var (
	validNameRe  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,31}$`)
	invalidChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	leadingSep   = regexp.MustCompile(`^[-_]+`)
	trailingSep  = regexp.MustCompile(`[-_]+$`)
)

// NormalizeAgentName converts a user-provided name into a valid peer name:
//   - case is preserved (peers address each other by exact name)
//   - max 32 chars
//   - only [A-Za-z0-9_-] allowed, runs of other chars become "_"
//   - leading/trailing separators stripped
//   - empty result defaults to "agent"
func NormalizeAgentName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return DefaultAgentName
	}
	if validNameRe.MatchString(trimmed) {
		return trimmed
	}

	result := invalidChars.ReplaceAllString(trimmed, "_")
	result = leadingSep.ReplaceAllString(result, "")
	result = trailingSep.ReplaceAllString(result, "")

	if len(result) > 32 {
		result = result[:32]
	}

	if result == "" {
		return DefaultAgentName
	}
	return result
}
