package agenttools

import (
	"context"
	"strings"

	"github.com/petrelhq/petrel/internal/schema"
	"github.com/petrelhq/petrel/internal/session"
	"github.com/petrelhq/petrel/internal/tools"
)

type SaveMemoryParams struct {
	Fact string `json:"fact" description:"A single durable fact worth remembering across compactions"`
}

type RecallMemoryParams struct {
	Limit int `json:"limit,omitempty" description:"Maximum number of facts to return"`
}

// SaveMemoryTool persists a fact so it survives history compaction.
func SaveMemoryTool(store *session.Store) tools.Tool {
	return tools.NewFunc(tools.Spec{
		Label:       "SaveMemory",
		Description: "Save a durable fact to session memory. Saved facts survive conversation compaction.",
		Name:        "save_memory",
		Caps: tools.Capabilities{
			BuiltIn:        true,
			SubagentAccess: schema.CapabilityFull,
		},
	}, func(ctx context.Context, ec tools.ExecutionContext, p SaveMemoryParams) tools.Result {
		fact := strings.TrimSpace(p.Fact)
		if fact == "" {
			return tools.Errorf(tools.TagBadArgs, "fact is required")
		}
		saved, err := store.SaveFact(ctx, ec.SessionID, fact, "agent")
		if err != nil {
			return tools.Errorf(tools.TagInternal, "save memory: %v", err)
		}
		return tools.Result{
			Content: "saved",
			Payload: map[string]any{"id": saved.ID},
		}
	})
}

// RecallMemoryTool reads facts back. Not cacheable: a save in the same run
// must be visible to the next recall.
func RecallMemoryTool(store *session.Store) tools.Tool {
	return tools.NewFunc(tools.Spec{
		Label:       "RecallMemory",
		Description: "List facts previously saved to session memory, newest first.",
		Name:        "recall_memory",
		Caps: tools.Capabilities{
			BuiltIn:        true,
			SubagentAccess: schema.CapabilityFull,
		},
	}, func(ctx context.Context, ec tools.ExecutionContext, p RecallMemoryParams) tools.Result {
		facts, err := store.ListFacts(ctx, ec.SessionID, p.Limit)
		if err != nil {
			return tools.Errorf(tools.TagInternal, "recall memory: %v", err)
		}
		if len(facts) == 0 {
			return tools.Result{Content: "no saved facts"}
		}
		lines := make([]string, 0, len(facts))
		for _, fact := range facts {
			lines = append(lines, "- "+fact.Fact)
		}
		return tools.Result{Content: strings.Join(lines, "\n")}
	})
}
