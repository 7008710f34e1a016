// Package conversation defines the persisted conversation data model:
// role-attributed turns made of ordered fragments.
package conversation

import (
	"encoding/json"
	"time"

	"github.com/mgalvez/vera-agent/internal/llm"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleUser marks a turn produced by the connected client.
	RoleUser Role = "user"
	// RoleModel marks a turn produced by the language model.
	RoleModel Role = "model"
)

// FragmentKind tags the variants of the Fragment union.
type FragmentKind string

const (
	// FragmentText is a plain text chunk.
	FragmentText FragmentKind = "text"
	// FragmentToolCall is a tool invocation requested by the model.
	FragmentToolCall FragmentKind = "tool_call"
	// FragmentToolResult is the outcome of an executed tool call.
	FragmentToolResult FragmentKind = "tool_result"
)

// Fragment is one unit of a turn's content. Exactly one variant is
// populated, selected by Kind.
type Fragment struct {
	Kind FragmentKind `json:"kind"`

	// Text is set for FragmentText.
	Text string `json:"text,omitempty"`

	// Name is set for FragmentToolCall and FragmentToolResult.
	Name string `json:"name,omitempty"`

	// Arguments is set for FragmentToolCall.
	Arguments map[string]any `json:"arguments,omitempty"`

	// Result is set for FragmentToolResult.
	Result map[string]any `json:"result,omitempty"`
}

// TextFragment builds a text fragment.
func TextFragment(text string) Fragment {
	return Fragment{Kind: FragmentText, Text: text}
}

// ToolCallFragment builds a tool-call fragment.
func ToolCallFragment(name string, args map[string]any) Fragment {
	return Fragment{Kind: FragmentToolCall, Name: name, Arguments: args}
}

// ToolResultFragment builds a tool-result fragment.
func ToolResultFragment(name string, result map[string]any) Fragment {
	return Fragment{Kind: FragmentToolResult, Name: name, Result: result}
}

// Turn is one complete role-attributed exchange in a conversation.
// Fragment order is emission order and is preserved through persistence.
type Turn struct {
	Role      Role       `json:"role"`
	Fragments []Fragment `json:"fragments"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

// Empty reports whether the turn carries no fragments. Empty turns are
// never persisted.
func (t Turn) Empty() bool {
	return len(t.Fragments) == 0
}

// Text concatenates the turn's text fragments in order.
func (t Turn) Text() string {
	var out string
	for _, f := range t.Fragments {
		if f.Kind == FragmentText {
			out += f.Text
		}
	}
	return out
}

// Truncate returns the most recent limit turns of history. It never
// mutates its input; callers apply it before a stream starts so the
// shared history is not resliced while a read is in flight. A limit
// of zero or less means no bound.
func Truncate(history []Turn, limit int) []Turn {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	out := make([]Turn, limit)
	copy(out, history[len(history)-limit:])
	return out
}

// ToMessages converts persisted turns to the provider-neutral message
// list sent to the model. Tool-call and tool-result fragments become
// the assistant/tool message pair the providers expect.
func ToMessages(history []Turn) []llm.Message {
	var msgs []llm.Message
	for _, turn := range history {
		switch turn.Role {
		case RoleUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: turn.Text()})
		case RoleModel:
			var calls []llm.ToolCall
			var results []llm.Message
			for _, f := range turn.Fragments {
				switch f.Kind {
				case FragmentToolCall:
					calls = append(calls, llm.NewToolCall("", f.Name, f.Arguments))
				case FragmentToolResult:
					results = append(results, llm.Message{
						Role:    "tool",
						Content: resultContent(f),
					})
				}
			}
			msgs = append(msgs, llm.Message{
				Role:      "assistant",
				Content:   turn.Text(),
				ToolCalls: calls,
			})
			msgs = append(msgs, results...)
		}
	}
	return msgs
}

func resultContent(f Fragment) string {
	if f.Result == nil {
		return ""
	}
	data, err := json.Marshal(f.Result)
	if err != nil {
		return ""
	}
	return string(data)
}
