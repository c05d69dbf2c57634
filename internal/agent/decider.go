package agent

import (
	"context"
	"log/slog"
)

// Decider is the decision maker seen by every component of an agent.
type Decider interface {
	HandleMessage(ctx context.Context, role, message string)
	ShouldRespond(ctx context.Context, message string) (bool, error)
}

// historyDecider records every message in the host history and never
// volunteers a response while busy. It stands in when no decision script
// is configured.
type historyDecider struct {
	host *Host
}

func (d historyDecider) HandleMessage(_ context.Context, role, message string) {
	d.host.AddHistory(role, message)
	slog.Info("agent.message", "agent", d.host.Name(), "role", role, "message", message)
}

func (historyDecider) ShouldRespond(context.Context, string) (bool, error) {
	return false, nil
}

// recordingDecider keeps the history current in front of a scripted decider.
type recordingDecider struct {
	host *Host
	next Decider
}

func (d recordingDecider) HandleMessage(ctx context.Context, role, message string) {
	d.host.AddHistory(role, message)
	d.next.HandleMessage(ctx, role, message)
}

func (d recordingDecider) ShouldRespond(ctx context.Context, message string) (bool, error) {
	return d.next.ShouldRespond(ctx, message)
}
