package tools

import (
	"context"
	"fmt"
)

func (r *Registry) registerActivity() {
	r.Register(&Tool{
		Name:        "log_activity",
		Description: "Record a noteworthy customer interaction in the activity log: a complaint, a product request we don't carry, a returned item, a lead.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind": map[string]any{
					"type":        "string",
					"description": "Category: complaint, product_request, return, lead, other",
				},
				"detail": map[string]any{
					"type":        "string",
					"description": "What happened, in one or two sentences",
				},
			},
			"required": []string{"kind", "detail"},
		},
		Handler: r.handleLogActivity,
	})
}

func (r *Registry) handleLogActivity(ctx context.Context, args map[string]any) (*Outcome, error) {
	if r.opts.Memory == nil {
		return nil, fmt.Errorf("activity log not configured")
	}

	kind := stringArg(args, "kind")
	detail := stringArg(args, "detail")
	if kind == "" || detail == "" {
		return nil, fmt.Errorf("kind and detail are required")
	}

	sessionID := stringArg(args, "session_id")
	if err := r.opts.Memory.AppendActivity(sessionID, kind, detail); err != nil {
		return nil, fmt.Errorf("append activity: %w", err)
	}

	return &Outcome{
		Success: true,
		Message: fmt.Sprintf("Logged %s activity.", kind),
		Data:    map[string]any{"kind": kind},
	}, nil
}
