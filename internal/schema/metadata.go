package schema

const (
	MetaSessionID  = "session_id"
	MetaChannelID  = "channel_id"
	MetaSubagentID = "subagent_id"
	MetaToolName   = "tool_name"
	MetaOutcome    = "outcome"
	MetaDuration   = "duration_ms"
	MetaKind       = "kind"
	MetaSource     = "source"
)

// GetMetaString extracts a string from a metadata map. Returns "" if missing/not string.
func GetMetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	val, ok := meta[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}
