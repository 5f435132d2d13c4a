// Package agentcontext carries the subagent task ID across the boundary
// between the task manager and the nested agent loop. Session identity
// travels explicitly in tools.ExecutionContext; the task ID cannot, because
// the nested engine run does not know it is task-scoped.
package agentcontext

import "context"

type contextKey string

const subagentIDKey contextKey = "subagent_id"

func WithSubagentID(ctx context.Context, subagentID string) context.Context {
	if subagentID == "" {
		return ctx
	}
	return context.WithValue(ctx, subagentIDKey, subagentID)
}

func SubagentIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(subagentIDKey).(string); ok {
		return val
	}
	return ""
}
