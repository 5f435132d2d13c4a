package eventbus

import "github.com/petrelhq/petrel/internal/schema"

// DefaultOrder returns the listing order for a stream. Reply and typing
// streams read oldest-first so transcripts render in delivery order;
// everything else reads newest-first.
func DefaultOrder(stream string) string {
	switch stream {
	case schema.StreamReplies, schema.StreamTyping:
		return "fifo"
	default:
		return "lifo"
	}
}
