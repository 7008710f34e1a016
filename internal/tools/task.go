package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mgalvez/vera-agent/internal/ledger"
)

func (r *Registry) registerTask() {
	r.Register(&Tool{
		Name:        "create_task",
		Description: "Create a follow-up task for the store staff. Use for supplier orders, callbacks, or anything that needs a human to act later.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short task title",
				},
				"detail": map[string]any{
					"type":        "string",
					"description": "Optional context for whoever picks the task up",
				},
				"due": map[string]any{
					"type":        "string",
					"description": "Optional due date, RFC3339 or YYYY-MM-DD",
				},
			},
			"required": []string{"title"},
		},
		Handler: r.handleCreateTask,
	})
}

func (r *Registry) handleCreateTask(ctx context.Context, args map[string]any) (*Outcome, error) {
	if r.opts.Ledger == nil {
		return nil, fmt.Errorf("task ledger not configured")
	}

	title := stringArg(args, "title")
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}

	task := ledger.Task{
		SessionID: stringArg(args, "session_id"),
		Title:     title,
		Detail:    stringArg(args, "detail"),
	}
	if due := stringArg(args, "due"); due != "" {
		t, err := parseDue(due)
		if err != nil {
			return nil, fmt.Errorf("invalid due date: %w", err)
		}
		task.DueAt = &t
	}

	created, err := r.opts.Ledger.CreateTask(task)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	msg := fmt.Sprintf("Task created: %s (ID %s)", created.Title, created.ID[:8])
	if created.DueAt != nil {
		msg += fmt.Sprintf(", due %s", created.DueAt.Format("2006-01-02"))
	}
	return &Outcome{
		Success: true,
		Message: msg,
		Data: map[string]any{
			"task_id": created.ID,
			"title":   created.Title,
		},
	}, nil
}

func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
