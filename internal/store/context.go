package store

import (
	"context"
)

type contextKey string

// AgentNameKey is the context key for the local agent name.
const AgentNameKey contextKey = "reflexcore_agent_name"

// WithAgentName returns a new context carrying the agent name.
func WithAgentName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, AgentNameKey, name)
}

// AgentNameFromContext extracts the agent name from context. Returns "" if not set.
func AgentNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(AgentNameKey).(string); ok {
		return v
	}
	return ""
}
