package tools

import (
	"context"
	"fmt"

	"github.com/mgalvez/vera-agent/internal/llm"
)

const defaultImagePrompt = "Describe the vehicle part in this photo: what it is, visible markings or part numbers, and its apparent condition."

func (r *Registry) registerImage() {
	r.Register(&Tool{
		Name:        "analyze_image",
		Description: "Analyze a photo the customer attached to identify a part, read a part number, or assess damage. Only call this when the message includes an image.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "What to look for in the image, if the customer asked something specific",
				},
			},
		},
		Handler: r.handleAnalyzeImage,
	})
}

func (r *Registry) handleAnalyzeImage(ctx context.Context, args map[string]any) (*Outcome, error) {
	if r.opts.Vision == nil {
		return nil, fmt.Errorf("vision model not configured")
	}

	// image_data is injected by the executor from the original client
	// message; the model never supplies it.
	imageData := stringArg(args, "image_data")
	if imageData == "" {
		return &Outcome{
			Success: false,
			Message: "No image was attached to this message. Ask the customer to send the photo.",
		}, nil
	}

	prompt := stringArg(args, "question")
	if prompt == "" {
		prompt = defaultImagePrompt
	}

	resp, err := r.opts.Vision.Chat(ctx, r.opts.VisionModel, []llm.Message{
		{Role: "user", Content: prompt, Images: []string{imageData}},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("vision model: %w", err)
	}

	return &Outcome{
		Success: true,
		Message: resp.Message.Content,
		Data:    map[string]any{"analysis": resp.Message.Content},
	}, nil
}
