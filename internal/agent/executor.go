package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mgalvez/vera-agent/internal/events"
	"github.com/mgalvez/vera-agent/internal/llm"
	"github.com/mgalvez/vera-agent/internal/store"
	"github.com/mgalvez/vera-agent/internal/tools"
)

// executeTool runs one tool call and records its audit trail. Identity
// and attachment fields are injected here: session_id always comes
// from the connection, never from the model, and image_data comes from
// the original client message.
func (e *Engine) executeTool(ctx context.Context, sessionID string, call llm.ToolCall, imageData string, extras []string) (*tools.Outcome, error) {
	args := make(map[string]any, len(call.Function.Arguments)+2)
	for k, v := range call.Function.Arguments {
		args[k] = v
	}
	args["session_id"] = sessionID
	if imageData != "" {
		args["image_data"] = imageData
	}

	name := call.Function.Name
	e.bus.Emit(events.SourceTool, events.KindToolCall, map[string]any{
		"session_id": sessionID,
		"tool":       name,
	})

	start := time.Now()
	out, err := e.registry.Execute(ctx, name, args)
	elapsed := time.Since(start)

	e.bus.Emit(events.SourceTool, events.KindToolDone, map[string]any{
		"session_id":  sessionID,
		"tool":        name,
		"ok":          err == nil && out != nil && out.Success,
		"duration_ms": elapsed.Milliseconds(),
	})

	inv := store.Invocation{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Tool:       name,
		Arguments:  auditArgs(args),
		ExtraCalls: extras,
		CreatedAt:  start,
	}
	if err != nil {
		inv.Error = err.Error()
	} else if out != nil {
		inv.Result = map[string]any{
			"success": out.Success,
			"message": out.Message,
		}
		if !out.Success && out.Message != "" {
			inv.Error = out.Message
		}
	}
	// The audit record is best-effort: a persistence failure must not
	// turn a completed tool call into a failed turn.
	if recErr := e.memory.RecordInvocation(inv); recErr != nil {
		slog.Error("tool invocation record failed", "tool", name, "error", recErr)
	}

	return out, err
}

// auditArgs copies tool arguments for the invocation record, replacing
// image payloads with a marker so the audit table stays small.
func auditArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if k == "image_data" {
			out[k] = "<attached>"
			continue
		}
		out[k] = v
	}
	return out
}
