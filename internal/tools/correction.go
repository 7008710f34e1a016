package tools

import (
	"context"
	"fmt"
)

func (r *Registry) registerCorrection() {
	r.Register(&Tool{
		Name:        "save_correction",
		Description: "Save a correction or preference the customer stated so future replies honor it (e.g., 'llámame Don Pedro', 'siempre cotiza en dólares'). The newest correction wins on conflict.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"rule": map[string]any{
					"type":        "string",
					"description": "The correction, phrased as a standing instruction",
				},
			},
			"required": []string{"rule"},
		},
		Handler: r.handleSaveCorrection,
	})
}

func (r *Registry) handleSaveCorrection(ctx context.Context, args map[string]any) (*Outcome, error) {
	if r.opts.Memory == nil {
		return nil, fmt.Errorf("preference store not configured")
	}

	rule := stringArg(args, "rule")
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}

	sessionID := stringArg(args, "session_id")
	if err := r.opts.Memory.AddRule(sessionID, rule); err != nil {
		return nil, fmt.Errorf("add rule: %w", err)
	}

	return &Outcome{
		Success: true,
		Message: "Correction saved. It applies from the next reply on.",
		Data:    map[string]any{"rule": rule},
	}, nil
}
