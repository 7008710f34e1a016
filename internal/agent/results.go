package agent

import "github.com/mgalvez/vera-agent/internal/tools"

// routeOutcome maps a tool outcome to its side-channel client events
// and returns the model-facing summary. The model never sees the
// structured Data payload; it gets the Message text only.
func routeOutcome(toolName string, out *tools.Outcome, emit Emitter) string {
	switch toolName {
	case "analyze_image":
		if out.Success {
			emit(ClientEvent{Event: EventImageAnalysis, Payload: out.Data})
		} else {
			emitNotification(emit, out)
		}
	case "generate_quote":
		if out.Success {
			emit(ClientEvent{Event: EventQuoteGenerated, Payload: out.Data})
		} else {
			emitNotification(emit, out)
		}
	case "request_feature":
		if out.Success {
			emit(ClientEvent{Event: EventDevRequest, Payload: out.Data})
		} else {
			emitNotification(emit, out)
		}
	default:
		emitNotification(emit, out)
	}
	return out.Message
}

func emitNotification(emit Emitter, out *tools.Outcome) {
	kind := "success"
	if !out.Success {
		kind = "error"
	}
	emit(ClientEvent{
		Event: EventNotification,
		Payload: map[string]any{
			"type":    kind,
			"message": out.Message,
		},
	})
}
