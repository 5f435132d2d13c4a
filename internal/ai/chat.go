package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/llms"
	llmtools "github.com/flitsinc/go-llms/tools"
)

type ChatRequest struct {
	System   string
	Messages []llms.Message
	Toolbox  *llmtools.Toolbox
}

// ChatResponse carries either final text or tool calls, never both empty.
// ToolCalls preserve the order the model issued them in.
type ChatResponse struct {
	Text      string
	ToolCalls []llms.ToolCall
	Message   llms.Message
	Usage     llms.Usage
}

func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Chat performs one provider turn. Retryable failures are retried with
// backoff up to the configured attempt limit; anything surviving that is
// fatal to the caller.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c == nil || c.provider == nil {
		return nil, fmt.Errorf("ai client is not configured")
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		resp, err := c.generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("provider retries exhausted: %w", lastErr)
}

func (c *Client) generate(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var system content.Content
	if strings.TrimSpace(req.System) != "" {
		system = content.FromText(req.System)
	}

	if c.debugger != nil {
		ctx = llms.WithDebugger(ctx, c.debugger)
	}
	stream := c.provider.Generate(ctx, system, req.Messages, req.Toolbox, nil)

	resp := &ChatResponse{}
	var text strings.Builder
	for status := range stream.Iter() {
		switch status {
		case llms.StreamStatusText:
			text.WriteString(stream.Text())
		case llms.StreamStatusToolCallReady:
			resp.ToolCalls = append(resp.ToolCalls, stream.ToolCall())
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}

	resp.Text = strings.TrimSpace(text.String())
	resp.Message = stream.Message()
	resp.Usage = stream.Usage()
	return resp, nil
}
