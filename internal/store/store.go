// Package store persists conversation turns, tool invocation records,
// preference rules, and the activity log. All reads and writes are
// scoped by session identity — no cross-session visibility.
package store

import (
	"time"

	"github.com/mgalvez/vera-agent/internal/conversation"
)

// Invocation is the immutable audit record of one tool call. It is
// created exactly once during dispatch and never mutated.
type Invocation struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	// ExtraCalls lists tool names the model requested in the same
	// turn beyond the first. They are recorded but never executed.
	ExtraCalls []string  `json:"extra_calls,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Rule is one append-only preference correction for a session.
type Rule struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Activity is one entry in the customer activity log.
type Activity struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence contract the turn pipeline depends on. The
// pipeline assumes nothing about the storage technology behind it.
type Store interface {
	// AppendTurn persists one turn at the end of a session's history.
	// Empty turns are rejected by callers, not silently dropped here.
	AppendTurn(sessionID string, turn conversation.Turn) error

	// History returns a session's turns in append order.
	History(sessionID string) ([]conversation.Turn, error)

	// ClearHistory removes every turn for a session. Truncation is
	// all-or-nothing; there is no selective deletion.
	ClearHistory(sessionID string) error

	// RecordInvocation persists a tool invocation audit record.
	RecordInvocation(inv Invocation) error

	// Invocations returns a session's most recent invocation records,
	// newest first, up to limit.
	Invocations(sessionID string, limit int) ([]Invocation, error)

	// AddRule appends a preference rule for a session.
	AddRule(sessionID, text string) error

	// Rules returns a session's rules in creation order.
	Rules(sessionID string) ([]Rule, error)

	// AppendActivity records an activity log entry.
	AppendActivity(sessionID, kind, detail string) error

	// Close releases the underlying storage.
	Close() error
}
