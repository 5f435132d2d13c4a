package tools

import (
	"context"
	"regexp"

	"github.com/petrelhq/petrel/internal/agentcontext"
	"github.com/petrelhq/petrel/internal/eventbus"
	"github.com/petrelhq/petrel/internal/schema"
)

var (
	dataURIPattern = regexp.MustCompile(`data:[a-zA-Z0-9.+/-]+;base64,[A-Za-z0-9+/=]{64,}`)
	base64Pattern  = regexp.MustCompile(`[A-Za-z0-9+/=]{512,}`)
)

// sanitize strips structured blobs that waste model context: inline base64
// payloads and data URIs are replaced with a short placeholder.
func sanitize(res Result) Result {
	res.Content = dataURIPattern.ReplaceAllString(res.Content, "[binary data omitted]")
	res.Content = base64Pattern.ReplaceAllString(res.Content, "[blob omitted]")
	return res
}

// BusTelemetry writes one tool_log event per dispatched call, so live
// listeners can watch tool activity as it happens.
func BusTelemetry(bus *eventbus.Bus) TelemetryFunc {
	return func(ctx context.Context, ec ExecutionContext, rec TelemetryRecord) {
		if bus == nil {
			return
		}
		meta := map[string]any{
			schema.MetaSessionID: ec.SessionID,
			schema.MetaToolName:  rec.Tool,
			schema.MetaOutcome:   rec.Outcome,
			schema.MetaDuration:  rec.Duration.Milliseconds(),
			"cache_hit":          rec.CacheHit,
		}
		if id := agentcontext.SubagentIDFromContext(ctx); id != "" {
			meta[schema.MetaSubagentID] = id
		}
		_, _ = bus.Push(ctx, eventbus.EventInput{
			Stream:    schema.StreamToolLog,
			ScopeType: "session",
			ScopeID:   ec.SessionID,
			Subject:   rec.Tool,
			Body:      rec.Outcome,
			Metadata:  meta,
		})
	}
}
