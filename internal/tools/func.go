package tools

import (
	"context"
	"encoding/json"
	"time"

	llmtools "github.com/flitsinc/go-llms/tools"
)

// Spec names a tool and declares its dispatch policy.
type Spec struct {
	Label       string
	Description string
	Name        string
	Cacheable   bool
	Caps        Capabilities
	Timeout     time.Duration
}

// NewFunc builds a Tool from a typed handler. The parameter struct doubles
// as the schema advertised to the provider; execution always goes through
// the registry, never through the advertised handle.
func NewFunc[P any](spec Spec, fn func(ctx context.Context, ec ExecutionContext, p P) Result) Tool {
	t := &funcTool[P]{spec: spec, fn: fn}
	t.llm = llmtools.Func(spec.Label, spec.Description, spec.Name,
		func(r llmtools.Runner, p P) llmtools.Result {
			return llmtools.Errorf("tool %q is dispatched by the registry", spec.Name)
		})
	return t
}

type funcTool[P any] struct {
	spec Spec
	fn   func(ctx context.Context, ec ExecutionContext, p P) Result
	llm  llmtools.Tool
}

func (t *funcTool[P]) Name() string               { return t.spec.Name }
func (t *funcTool[P]) Description() string        { return t.spec.Description }
func (t *funcTool[P]) LLMTool() llmtools.Tool     { return t.llm }
func (t *funcTool[P]) Cacheable() bool            { return t.spec.Cacheable }
func (t *funcTool[P]) Capabilities() Capabilities { return t.spec.Caps }
func (t *funcTool[P]) Timeout() time.Duration     { return t.spec.Timeout }

func (t *funcTool[P]) Execute(ctx context.Context, ec ExecutionContext, args json.RawMessage) (Result, error) {
	var p P
	if len(args) > 0 {
		if err := json.Unmarshal(args, &p); err != nil {
			return Errorf(TagBadArgs, "invalid arguments for %s: %v", t.spec.Name, err), nil
		}
	}
	return t.fn(ctx, ec, p), nil
}

// WithReadOnly attaches a reduced variant so the tool survives into
// read-only subagent registries.
func WithReadOnly(full, reduced Tool) Tool {
	return &readOnlyCapable{Tool: full, reduced: reduced}
}

type readOnlyCapable struct {
	Tool
	reduced Tool
}

func (t *readOnlyCapable) ReadOnly() Tool { return t.reduced }
