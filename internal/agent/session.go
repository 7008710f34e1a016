package agent

import (
	"context"
	"time"

	"github.com/mgalvez/vera-agent/internal/llm"
)

// modelSession owns the two model streams of a turn. Start advertises
// the tool declarations; Resume deliberately sends none, so the model
// cannot chain a second tool call onto the same turn.
type modelSession struct {
	client  llm.Client
	model   string
	timeout time.Duration
}

func (s *modelSession) Start(ctx context.Context, messages []llm.Message, decls []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.ChatStream(ctx, s.model, messages, decls, cb)
	if err != nil {
		return nil, &UpstreamModelError{Phase: "initial", Err: err}
	}
	return resp, nil
}

func (s *modelSession) Resume(ctx context.Context, messages []llm.Message, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.ChatStream(ctx, s.model, messages, nil, cb)
	if err != nil {
		return nil, &UpstreamModelError{Phase: "resume", Err: err}
	}
	return resp, nil
}
