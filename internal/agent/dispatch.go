package agent

import (
	"strings"

	"github.com/mgalvez/vera-agent/internal/llm"
)

// dispatcher consumes one model stream: it forwards text chunks to the
// client in arrival order, captures the first tool call, and records
// the names of any further calls without executing them.
type dispatcher struct {
	emit Emitter

	text     strings.Builder
	toolCall *llm.ToolCall
	extras   []string
}

func newDispatcher(emit Emitter) *dispatcher {
	return &dispatcher{emit: emit}
}

// callback is handed to the provider's streaming API.
func (d *dispatcher) callback(ev llm.StreamEvent) {
	switch ev.Kind {
	case llm.KindToken:
		if ev.Token == "" {
			return
		}
		d.text.WriteString(ev.Token)
		// The chunk payload is the bare text fragment.
		d.emit(ClientEvent{Event: EventStreamChunk, Payload: ev.Token})
	case llm.KindToolCall:
		if ev.ToolCall == nil {
			return
		}
		if d.toolCall == nil {
			d.toolCall = ev.ToolCall
			return
		}
		// One tool per turn. Later calls are recorded for the audit
		// trail and dropped.
		d.extras = append(d.extras, ev.ToolCall.Function.Name)
	case llm.KindDone:
		// Final metadata is returned by ChatStream itself.
	}
}

// Text returns the accumulated streamed text.
func (d *dispatcher) Text() string {
	return d.text.String()
}
