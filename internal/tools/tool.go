package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/petrelhq/petrel/internal/schema"
)

// ExecutionContext carries per-call identity into every tool invocation.
// Values are copied in; a tool can never mutate its caller's view.
type ExecutionContext struct {
	ChannelID      string
	SessionID      string
	ContextSummary string
	Metadata       map[string]any
}

// Result is the outcome of executing one tool call. Exactly one Result
// exists per dispatched call.
type Result struct {
	Content string         `json:"content"`
	IsError bool           `json:"is_error,omitempty"`
	Tag     string         `json:"tag,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

const (
	TagTimeout  = "timeout"
	TagInternal = "internal"
	TagNotFound = "not_found"
	TagDenied   = "denied"
	TagBadArgs  = "bad_args"
	TagCapacity = "capacity"
)

func Errorf(tag, format string, args ...any) Result {
	return Result{IsError: true, Tag: tag, Content: fmt.Sprintf(format, args...)}
}

// Capabilities describes what a tool is trusted to do. SubagentAccess
// governs whether and how the tool appears in a subagent's derived registry.
type Capabilities struct {
	BuiltIn         bool
	NetworkOutbound bool
	SubagentAccess  schema.Capability
}

// Tool is the unit of capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// LLMTool returns the go-llms handle used to advertise this tool's
	// parameter schema to the provider. Dispatch never goes through it; the
	// registry owns execution.
	LLMTool() llmtools.Tool
	Execute(ctx context.Context, ec ExecutionContext, args json.RawMessage) (Result, error)
	Cacheable() bool
	Capabilities() Capabilities
	Timeout() time.Duration
}

// ReadOnlyVariant is implemented by tools that can offer a reduced, purely
// observational form of themselves. A tool declared ReadOnly that does not
// implement it is omitted from subagent registries entirely.
type ReadOnlyVariant interface {
	ReadOnly() Tool
}

// Override wraps an externally supplied tool with capabilities decided by
// the host rather than self-reported by the implementation.
func Override(t Tool, caps Capabilities, cacheable bool, timeout time.Duration) Tool {
	return &overriddenTool{inner: t, caps: caps, cacheable: cacheable, timeout: timeout}
}

type overriddenTool struct {
	inner     Tool
	caps      Capabilities
	cacheable bool
	timeout   time.Duration
}

func (o *overriddenTool) Name() string              { return o.inner.Name() }
func (o *overriddenTool) Description() string       { return o.inner.Description() }
func (o *overriddenTool) LLMTool() llmtools.Tool    { return o.inner.LLMTool() }
func (o *overriddenTool) Cacheable() bool           { return o.cacheable }
func (o *overriddenTool) Capabilities() Capabilities { return o.caps }
func (o *overriddenTool) Timeout() time.Duration    { return o.timeout }

func (o *overriddenTool) Execute(ctx context.Context, ec ExecutionContext, args json.RawMessage) (Result, error) {
	return o.inner.Execute(ctx, ec, args)
}
