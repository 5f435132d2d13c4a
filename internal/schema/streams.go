package schema

const (
	StreamReplies = "replies"
	StreamTyping  = "typing"
	StreamToolLog = "tool_log"
	StreamSignals = "signals"
	StreamErrors  = "errors"
)

// EngineStreams are the streams the engine publishes to while a run is in
// flight. The API's live stream endpoint defaults to this set.
var EngineStreams = []string{
	StreamReplies,
	StreamToolLog,
	StreamSignals,
	StreamErrors,
}
