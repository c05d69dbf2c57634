package actions

import (
	"context"
	"errors"
	"strings"
)

// Errors a work unit returns to signal it yielded to a cancellation request.
// They are reported as successful interruptions, not failures.
var (
	ErrPathStopped = errors.New("PathStopped")
	ErrGoalChanged = errors.New("GoalChanged")
)

// IsCooperativeInterrupt reports whether err means the work stopped because
// it was asked to.
func IsCooperativeInterrupt(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPathStopped) || errors.Is(err, ErrGoalChanged) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "PathStopped") || strings.Contains(msg, "GoalChanged")
}
