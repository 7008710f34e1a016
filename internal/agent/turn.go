package agent

import "log/slog"

// state tracks where a turn is in its lifecycle. Turns on a session
// run strictly one at a time, so the state is per-call, not shared.
type state int

const (
	stateStreaming state = iota
	stateToolPending
	stateExecuting
	stateResuming
)

func (s state) String() string {
	switch s {
	case stateStreaming:
		return "streaming"
	case stateToolPending:
		return "tool_pending"
	case stateExecuting:
		return "executing"
	case stateResuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// trace logs a state transition at debug level.
func trace(sessionID string, s state) {
	slog.Debug("turn state", "session", sessionID, "state", s)
}
