package agenttools

import (
	"context"

	"github.com/petrelhq/petrel/internal/schema"
	"github.com/petrelhq/petrel/internal/tools"
)

type EchoParams struct {
	Text string `json:"text" description:"Text to echo back unchanged"`
}

// EchoTool returns its input verbatim. Deterministic, so results are
// cacheable.
func EchoTool() tools.Tool {
	return tools.NewFunc(tools.Spec{
		Label:       "Echo",
		Description: "Echo the given text back unchanged.",
		Name:        "echo",
		Cacheable:   true,
		Caps: tools.Capabilities{
			BuiltIn:        true,
			SubagentAccess: schema.CapabilityFull,
		},
	}, func(ctx context.Context, ec tools.ExecutionContext, p EchoParams) tools.Result {
		return tools.Result{Content: p.Text}
	})
}
