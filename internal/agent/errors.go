package agent

import "errors"

var (
	// ErrNoWorld is returned by Perform when the host has no world attached.
	ErrNoWorld = errors.New("no world attached")

	// ErrUnknownBehavior is returned for a behavior the world does not know.
	ErrUnknownBehavior = errors.New("unknown behavior")

	// ErrBlocked is returned when the peer guard rejects a message.
	ErrBlocked = errors.New("message blocked by peer guard")

	// ErrAgentExists is returned when registering a duplicate agent name.
	ErrAgentExists = errors.New("agent already registered")
)
