package ai

import (
	"encoding/json"

	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/llms"

	"github.com/petrelhq/petrel/internal/session"
)

// MessagesFromTurns renders a stored conversation into provider messages.
// Tool-result turns become tool-role messages whose body carries the
// originating call id, so replays stay deterministic.
func MessagesFromTurns(turns []session.Turn) []llms.Message {
	out := make([]llms.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleUser, session.RoleSystem:
			out = append(out, llms.Message{
				Role:    string(turn.Role),
				Content: content.FromText(turn.Text),
			})
		case session.RoleAssistant:
			msg := llms.Message{
				Role:    "assistant",
				Content: content.FromText(turn.Text),
			}
			for _, call := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, llms.ToolCall{
					ID:        call.ID,
					Name:      call.Name,
					Arguments: call.Arguments,
				})
			}
			out = append(out, msg)
		case session.RoleToolResult:
			out = append(out, llms.Message{
				Role:    "tool",
				Content: content.FromText(renderToolResult(turn)),
			})
		}
	}
	return out
}

func renderToolResult(turn session.Turn) string {
	payload := map[string]any{
		"tool_call_id": turn.ToolCallID,
		"tool_name":    turn.ToolName,
		"content":      turn.Text,
	}
	if turn.IsError {
		payload["is_error"] = true
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return turn.Text
	}
	return string(blob)
}

// TurnFromResponse converts a provider response into an assistant turn for
// the conversation log.
func TurnFromResponse(resp *ChatResponse) session.Turn {
	turn := session.Turn{Role: session.RoleAssistant, Text: resp.Text}
	for _, call := range resp.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, session.ToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
	}
	return turn
}
