package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/llms"

	"github.com/petrelhq/petrel/internal/ai"
)

type Summarizer interface {
	Summarize(ctx context.Context, input string) (string, error)
}

// FactExtractor pulls durable long-term facts out of conversation text
// before the detail is discarded by compaction.
type FactExtractor interface {
	ExtractFacts(ctx context.Context, input string) ([]string, error)
}

// LLMSummarizer asks the provider for summaries and fact lists. The same
// client the loop uses works here; summarization requests carry their own
// system prompt.
type LLMSummarizer struct {
	Client *ai.Client
}

func NewLLMSummarizer(client *ai.Client) *LLMSummarizer {
	return &LLMSummarizer{Client: client}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, input string) (string, error) {
	if s == nil || s.Client == nil {
		return "", nil
	}
	resp, err := s.Client.Chat(ctx, ai.ChatRequest{
		System: "Summarize the following conversation for future context. Preserve decisions, open questions, and user preferences. Be concise and factual.",
		Messages: []llms.Message{
			{Role: "user", Content: content.FromText(input)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (s *LLMSummarizer) ExtractFacts(ctx context.Context, input string) ([]string, error) {
	if s == nil || s.Client == nil {
		return nil, nil
	}
	resp, err := s.Client.Chat(ctx, ai.ChatRequest{
		System: "Extract durable facts worth remembering long-term from the conversation (user preferences, commitments, identities, recurring context). Respond with a JSON array of short strings. Respond with [] if there is nothing durable.",
		Messages: []llms.Message{
			{Role: "user", Content: content.FromText(input)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	return parseFactList(resp.Text), nil
}

// parseFactList tolerates prose around the JSON array; a malformed response
// just yields no facts.
func parseFactList(text string) []string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	var facts []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &facts); err != nil {
		return nil
	}
	out := facts[:0]
	for _, f := range facts {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
