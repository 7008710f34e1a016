// Package agent implements the turn engine: one customer message in,
// one streamed reply out, with at most one tool call in between.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mgalvez/vera-agent/internal/conversation"
	"github.com/mgalvez/vera-agent/internal/events"
	"github.com/mgalvez/vera-agent/internal/llm"
	"github.com/mgalvez/vera-agent/internal/prompts"
	"github.com/mgalvez/vera-agent/internal/store"
	"github.com/mgalvez/vera-agent/internal/tools"
)

// Options configures an Engine.
type Options struct {
	Client        llm.Client
	Model         string
	Registry      *tools.Registry
	Memory        store.Store
	Bus           *events.Bus
	Persona       string
	HistoryLimit  int
	StreamTimeout time.Duration
	ToolTimeout   time.Duration
}

// Engine drives the turn pipeline for every session.
type Engine struct {
	session  *modelSession
	registry *tools.Registry
	memory   store.Store
	bus      *events.Bus

	persona      string
	historyLimit int
	toolTimeout  time.Duration

	// instructions caches the composed system prompt per session. It
	// is invalidated when a correction lands or history is cleared.
	mu           sync.Mutex
	instructions map[string]string
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 40
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 5 * time.Minute
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = time.Minute
	}
	return &Engine{
		session: &modelSession{
			client:  opts.Client,
			model:   opts.Model,
			timeout: opts.StreamTimeout,
		},
		registry:     opts.Registry,
		memory:       opts.Memory,
		bus:          opts.Bus,
		persona:      opts.Persona,
		historyLimit: opts.HistoryLimit,
		toolTimeout:  opts.ToolTimeout,
		instructions: make(map[string]string),
	}
}

// HandleMessage processes one customer message end to end: validate,
// stream, optionally execute one tool, resume, persist. Events reach
// the client through emit as the turn progresses. The returned error
// is terminal for the turn; the engine has already emitted the
// client-facing error event for it.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, text, imageData string, emit Emitter) error {
	if strings.TrimSpace(sessionID) == "" {
		err := &ValidationError{Field: "sessionIdentity", Reason: "missing"}
		emit(ClientEvent{Event: EventError, Payload: err.Error()})
		return err
	}
	if strings.TrimSpace(text) == "" && imageData == "" {
		err := &ValidationError{Field: "message", Reason: "empty"}
		emit(ClientEvent{Event: EventError, Payload: err.Error()})
		return err
	}

	started := time.Now()
	e.bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"session_id":  sessionID,
		"message_len": len(text),
		"has_image":   imageData != "",
	})

	history, err := e.memory.History(sessionID)
	if err != nil {
		slog.Error("history load failed", "session", sessionID, "error", err)
		// Proceed without history rather than refusing the customer.
		history = nil
	}

	msgs := []llm.Message{{Role: "system", Content: e.instructionsFor(sessionID)}}
	msgs = append(msgs, conversation.ToMessages(conversation.Truncate(history, e.historyLimit))...)

	userMsg := llm.Message{Role: "user", Content: text}
	if imageData != "" {
		userMsg.Images = []string{imageData}
	}
	msgs = append(msgs, userMsg)

	userTurn := conversation.Turn{Role: conversation.RoleUser, Fragments: []conversation.Fragment{conversation.TextFragment(text)}}
	if err := e.memory.AppendTurn(sessionID, userTurn); err != nil {
		slog.Error("user turn persist failed", "session", sessionID, "error", err)
	}

	// First stream: tools advertised, at most one honored.
	trace(sessionID, stateStreaming)
	e.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"session_id": sessionID,
		"model":      e.session.model,
		"phase":      "initial",
	})
	d := newDispatcher(emit)
	if _, err := e.session.Start(ctx, msgs, e.registry.Declarations(), d.callback); err != nil {
		emit(ClientEvent{Event: EventError, Payload: "the assistant is unavailable right now"})
		e.persistPartial(sessionID, d.Text())
		return err
	}

	if d.toolCall == nil {
		e.finishTurn(sessionID, emit, started, "", conversation.Turn{
			Role:      conversation.RoleModel,
			Fragments: []conversation.Fragment{conversation.TextFragment(d.Text())},
		})
		return nil
	}

	// Tool round trip.
	trace(sessionID, stateToolPending)
	call := *d.toolCall
	toolName := call.Function.Name
	if len(d.extras) > 0 {
		slog.Warn("model requested multiple tools, honoring first only",
			"session", sessionID, "tool", toolName, "dropped", d.extras)
	}

	trace(sessionID, stateExecuting)
	// Tool execution survives a client disconnect; the turn's own
	// timeout still applies.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.toolTimeout)
	out, execErr := e.executeTool(execCtx, sessionID, call, imageData, d.extras)
	cancel()
	if execErr != nil {
		slog.Error("tool execution failed", "session", sessionID, "tool", toolName, "error", execErr)
		var unavailable *tools.ErrToolUnavailable
		if errors.As(execErr, &unavailable) {
			// The model asked for a tool that doesn't exist. Nothing
			// ran, so there is no result to narrate: emit one error
			// event, persist what streamed so far, and end the turn.
			emit(ClientEvent{Event: EventError, Payload: "tool " + toolName + " is not available"})
			e.persistPartial(sessionID, d.Text())
			return execErr
		}
		out = &tools.Outcome{
			Success: false,
			Message: "The tool could not complete: " + execErr.Error(),
		}
	}

	summary := routeOutcome(toolName, out, emit)
	if toolName == "save_correction" && out.Success {
		e.InvalidateInstructions(sessionID)
	}

	modelTurn := conversation.Turn{Role: conversation.RoleModel}
	if d.Text() != "" {
		modelTurn.Fragments = append(modelTurn.Fragments, conversation.TextFragment(d.Text()))
	}
	modelTurn.Fragments = append(modelTurn.Fragments,
		conversation.ToolCallFragment(toolName, call.Function.Arguments),
		conversation.ToolResultFragment(toolName, map[string]any{
			"success": out.Success,
			"message": out.Message,
		}),
	)
	if err := e.memory.AppendTurn(sessionID, modelTurn); err != nil {
		slog.Error("model turn persist failed", "session", sessionID, "error", err)
	}

	if out.HaltRoundTrip {
		// The tool's message stands as the reply; no second stream.
		e.finishTurn(sessionID, emit, started, toolName, conversation.Turn{})
		return nil
	}

	// Second stream: the model narrates the result. No tools offered.
	trace(sessionID, stateResuming)
	msgs = append(msgs,
		llm.Message{Role: "assistant", Content: d.Text(), ToolCalls: []llm.ToolCall{call}},
		llm.Message{Role: "tool", Content: summary, ToolCallID: call.ID},
	)
	e.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"session_id": sessionID,
		"model":      e.session.model,
		"phase":      "resume",
	})
	d2 := newDispatcher(emit)
	if _, err := e.session.Resume(ctx, msgs, d2.callback); err != nil {
		emit(ClientEvent{Event: EventError, Payload: "the assistant is unavailable right now"})
		e.persistPartial(sessionID, d2.Text())
		return err
	}

	e.finishTurn(sessionID, emit, started, toolName, conversation.Turn{
		Role:      conversation.RoleModel,
		Fragments: []conversation.Fragment{conversation.TextFragment(d2.Text())},
	})
	return nil
}

// persistPartial saves text that already streamed to the client when
// a turn fails terminally, so reloaded history matches what the
// customer saw.
func (e *Engine) persistPartial(sessionID, text string) {
	if text == "" {
		return
	}
	turn := conversation.Turn{
		Role:      conversation.RoleModel,
		Fragments: []conversation.Fragment{conversation.TextFragment(text)},
	}
	if err := e.memory.AppendTurn(sessionID, turn); err != nil {
		slog.Error("partial turn persist failed", "session", sessionID, "error", err)
	}
}

// finishTurn persists the closing model turn (when non-empty), emits
// the stream-end event with refreshed history, and closes the books.
func (e *Engine) finishTurn(sessionID string, emit Emitter, started time.Time, toolUsed string, closing conversation.Turn) {
	if !closing.Empty() {
		if err := e.memory.AppendTurn(sessionID, closing); err != nil {
			slog.Error("model turn persist failed", "session", sessionID, "error", err)
		}
	}

	history, err := e.memory.History(sessionID)
	if err != nil {
		slog.Error("history reload failed", "session", sessionID, "error", err)
	}
	emit(ClientEvent{
		Event:   EventStreamEnd,
		Payload: map[string]any{"history": ClientHistory(history)},
	})

	e.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"session_id": sessionID,
		"tool_used":  toolUsed,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
}

// instructionsFor returns the composed system prompt for a session,
// using the per-session cache.
func (e *Engine) instructionsFor(sessionID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.instructions[sessionID]; ok {
		return cached
	}

	var ruleTexts []string
	rules, err := e.memory.Rules(sessionID)
	if err != nil {
		slog.Error("rules load failed", "session", sessionID, "error", err)
	}
	for _, r := range rules {
		ruleTexts = append(ruleTexts, r.Text)
	}

	composed := prompts.Compose(e.persona, ruleTexts)
	e.instructions[sessionID] = composed
	return composed
}

// InvalidateInstructions drops a session's cached system prompt so the
// next turn recomposes it.
func (e *Engine) InvalidateInstructions(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.instructions, sessionID)
}

// ClientHistory flattens persisted turns into the simple role/content
// shape the web client renders. Tool fragments are elided; turns whose
// only content was a tool exchange are skipped.
func ClientHistory(history []conversation.Turn) []map[string]any {
	out := make([]map[string]any, 0, len(history))
	for _, turn := range history {
		text := turn.Text()
		if text == "" {
			continue
		}
		role := "assistant"
		if turn.Role == conversation.RoleUser {
			role = "user"
		}
		out = append(out, map[string]any{
			"role":    role,
			"content": text,
		})
	}
	return out
}
