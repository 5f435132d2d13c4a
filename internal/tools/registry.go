package tools

import (
	"context"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/petrelhq/petrel/internal/schema"
	"github.com/petrelhq/petrel/internal/session"
)

// BeforeHook runs before execution and may short-circuit by returning a
// non-nil Result.
type BeforeHook func(ctx context.Context, ec ExecutionContext, call session.ToolCall) *Result

// AfterHook runs after execution and may rewrite the result.
type AfterHook func(ctx context.Context, ec ExecutionContext, call session.ToolCall, res Result) Result

type Config struct {
	DefaultTimeout time.Duration
	TruncateLimit  int
	TruncateMarker string
	CacheCapacity  int
	CacheTTL       time.Duration

	Before []BeforeHook
	After  []AfterHook

	// Telemetry receives one record per dispatched call. Nil disables it.
	Telemetry TelemetryFunc
}

type TelemetryFunc func(ctx context.Context, ec ExecutionContext, rec TelemetryRecord)

type TelemetryRecord struct {
	Tool     string
	Outcome  string
	Duration time.Duration
	CacheHit bool
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.TruncateLimit <= 0 {
		c.TruncateLimit = 4000
	}
	if c.TruncateMarker == "" {
		c.TruncateMarker = "\n[truncated]"
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 128
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
}

// Registry executes named tool calls with cross-cutting behavior applied
// uniformly. It is immutable after construction and safe to share by
// reference across concurrent calls and nested subagent loops.
type Registry struct {
	tools map[string]Tool
	order []string
	cfg   Config
	cache *resultCache
}

func NewRegistry(cfg Config, toolList ...Tool) (*Registry, error) {
	cfg.applyDefaults()
	r := &Registry{
		tools: map[string]Tool{},
		cfg:   cfg,
		cache: newResultCache(cfg.CacheCapacity, cfg.CacheTTL),
	}
	for _, t := range toolList {
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, exists := r.tools[name]; exists {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)
	return r, nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int { return len(r.tools) }

// Toolbox builds the go-llms toolbox advertised to the provider. Only the
// schemas travel; dispatch stays in the registry.
func (r *Registry) Toolbox() *llmtools.Toolbox {
	if len(r.tools) == 0 {
		return nil
	}
	handles := make([]llmtools.Tool, 0, len(r.order))
	for _, name := range r.order {
		handles = append(handles, r.tools[name].LLMTool())
	}
	return llmtools.Box(handles...)
}

// SubagentView derives a capability-filtered copy for a nested loop. Full
// tools pass through unchanged; ReadOnly tools are swapped for their reduced
// variant when they provide one and omitted otherwise; Denied tools are
// omitted. The cache and configuration are shared with the parent.
func (r *Registry) SubagentView() *Registry {
	derived := &Registry{
		tools: map[string]Tool{},
		cfg:   r.cfg,
		cache: r.cache,
	}
	for _, name := range r.order {
		t := r.tools[name]
		switch t.Capabilities().SubagentAccess {
		case schema.CapabilityFull:
			derived.tools[name] = t
			derived.order = append(derived.order, name)
		case schema.CapabilityReadOnly:
			variant, ok := t.(ReadOnlyVariant)
			if !ok {
				continue
			}
			ro := variant.ReadOnly()
			derived.tools[ro.Name()] = ro
			derived.order = append(derived.order, ro.Name())
		}
	}
	sort.Strings(derived.order)
	return derived
}

// Dispatch executes one tool call through the middleware pipeline. It never
// returns an error; every failure mode is folded into the Result so the loop
// can hand it back to the model.
func (r *Registry) Dispatch(ctx context.Context, ec ExecutionContext, call session.ToolCall) Result {
	start := time.Now()
	res, cacheHit := r.dispatch(ctx, ec, call)
	if r.cfg.Telemetry != nil {
		outcome := "ok"
		if res.IsError {
			outcome = res.Tag
			if outcome == "" {
				outcome = "error"
			}
		}
		r.cfg.Telemetry(ctx, ec, TelemetryRecord{
			Tool:     call.Name,
			Outcome:  outcome,
			Duration: time.Since(start),
			CacheHit: cacheHit,
		})
	}
	return res
}

func (r *Registry) dispatch(ctx context.Context, ec ExecutionContext, call session.ToolCall) (Result, bool) {
	if call.Name == "" {
		return Errorf(TagNotFound, "tool call %s has no tool name", call.ID), false
	}
	tool, ok := r.tools[call.Name]
	if !ok {
		return Errorf(TagNotFound, "tool %q is not registered", call.Name), false
	}

	for _, hook := range r.cfg.Before {
		if res := hook(ctx, ec, call); res != nil {
			return *res, false
		}
	}

	var key string
	if tool.Cacheable() {
		key = cacheKey(call.Name, call.Arguments)
		if cached, hit := r.cache.get(key); hit {
			return cached, true
		}
	}

	res := r.execute(ctx, tool, ec, call)

	for _, hook := range r.cfg.After {
		res = hook(ctx, ec, call, res)
	}
	res = r.truncate(res)
	res = sanitize(res)

	if key != "" && !res.IsError {
		r.cache.put(key, res)
	}
	return res, false
}

// execute runs the tool body under its timeout and inside a panic boundary.
// A crash inside tool logic becomes an error Result tagged "internal"; it
// never unwinds into the loop.
func (r *Registry) execute(ctx context.Context, tool Tool, ec ExecutionContext, call session.ToolCall) Result {
	timeout := tool.Timeout()
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- Errorf(TagInternal, "tool %q panicked: %v", call.Name, rec)
			}
		}()
		res, err := tool.Execute(execCtx, ec, call.Arguments)
		if err != nil {
			res = Errorf(tagOrDefault(res.Tag, TagInternal), "tool %q failed: %v", call.Name, err)
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Caller cancelled; the partial result will be discarded anyway.
			return Errorf(TagTimeout, "tool %q cancelled: %v", call.Name, ctx.Err())
		}
		return Errorf(TagTimeout, "tool %q timed out after %s", call.Name, timeout)
	}
}

func (r *Registry) truncate(res Result) Result {
	if len(res.Content) <= r.cfg.TruncateLimit {
		return res
	}
	cut := r.cfg.TruncateLimit
	// Back up so the cut never splits a multi-byte rune.
	for cut > 0 && !utf8.RuneStart(res.Content[cut]) {
		cut--
	}
	res.Content = res.Content[:cut] + r.cfg.TruncateMarker
	return res
}

func tagOrDefault(tag, fallback string) string {
	if tag != "" {
		return tag
	}
	return fallback
}
