// Package tools defines the tools the assistant can invoke.
package tools

import (
	"context"
	"log/slog"
	"sort"

	"github.com/mgalvez/vera-agent/internal/ledger"
	"github.com/mgalvez/vera-agent/internal/llm"
	"github.com/mgalvez/vera-agent/internal/store"
)

// Outcome is the result of a tool execution. Message is what the model
// sees; Data is the structured payload routed to the client on the
// side channel. HaltRoundTrip stops the second model stream for this
// turn, so the tool's own message stands as the reply.
type Outcome struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	HaltRoundTrip bool           `json:"-"`
}

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (*Outcome, error) `json:"-"`
}

// IssueCreator files development requests with the upstream tracker.
type IssueCreator interface {
	CreateIssue(ctx context.Context, title, body string) (string, error)
}

// Mailer delivers a markdown-bodied message to the configured team.
type Mailer interface {
	Send(ctx context.Context, subject, markdown string) error
}

// Options carries the registry's external dependencies. Nil fields
// disable the tools that need them.
type Options struct {
	Ledger         *ledger.Store
	Memory         store.Store
	Vision         llm.Client
	VisionModel    string
	Issues         IssueCreator
	Mailer         Mailer
	HaltOutOfStock bool
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
	opts  Options
}

// NewRegistry creates a registry with the builtin tools wired to opts.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		tools: make(map[string]*Tool),
		opts:  opts,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.registerInventory()
	r.registerQuote()
	r.registerTask()
	r.registerActivity()
	r.registerFeature()
	r.registerImage()
	r.registerCorrection()
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Declarations returns all tools for the LLM, in stable name order.
func (r *Registry) Declarations() []map[string]any {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var result []map[string]any
	for _, name := range names {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with the given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*Outcome, error) {
	tool := r.tools[name]
	if tool == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}

	slog.Debug("executing tool", "tool", name)
	return tool.Handler(ctx, args)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	// JSON numbers decode as float64.
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return def
}
