package tools

import (
	"context"
	"fmt"
	"log/slog"
)

func (r *Registry) registerFeature() {
	r.Register(&Tool{
		Name:        "request_feature",
		Description: "File a development request with the team that maintains this assistant. Use when the customer or staff asks for a capability you don't have.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "One-line summary of the requested capability",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "What the requester wants and why, in their words where possible",
				},
			},
			"required": []string{"title", "description"},
		},
		Handler: r.handleRequestFeature,
	})
}

func (r *Registry) handleRequestFeature(ctx context.Context, args map[string]any) (*Outcome, error) {
	title := stringArg(args, "title")
	description := stringArg(args, "description")
	if title == "" || description == "" {
		return nil, fmt.Errorf("title and description are required")
	}

	data := map[string]any{"title": title}
	delivered := false

	if r.opts.Issues != nil {
		url, err := r.opts.Issues.CreateIssue(ctx, title, description)
		if err != nil {
			slog.Warn("feature request issue failed", "error", err)
		} else {
			data["issue_url"] = url
			delivered = true
		}
	}

	if r.opts.Mailer != nil {
		body := fmt.Sprintf("# %s\n\n%s\n", title, description)
		if err := r.opts.Mailer.Send(ctx, "Feature request: "+title, body); err != nil {
			slog.Warn("feature request mail failed", "error", err)
		} else {
			delivered = true
		}
	}

	if !delivered {
		return &Outcome{
			Success: false,
			Message: "The development request could not be delivered. Apologize and suggest trying again later.",
		}, nil
	}

	return &Outcome{
		Success: true,
		Message: fmt.Sprintf("Development request %q filed with the team.", title),
		Data:    data,
	}, nil
}
