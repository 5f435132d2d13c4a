package eventbus

import (
	"context"
	"fmt"

	"github.com/petrelhq/petrel/internal/schema"
)

// Sink delivers engine output as events. Channel adapters subscribe to the
// replies and typing streams and forward to their platform; the engine stays
// unaware of any of them.
type Sink struct {
	Bus *Bus
}

func NewSink(bus *Bus) *Sink {
	return &Sink{Bus: bus}
}

func (s *Sink) SendText(ctx context.Context, channelID, sessionID, text string) error {
	if text == "" {
		return nil
	}
	_, err := s.Bus.Push(ctx, EventInput{
		Stream:    schema.StreamReplies,
		ScopeType: "session",
		ScopeID:   sessionID,
		Subject:   "reply",
		Body:      text,
		Metadata: map[string]any{
			schema.MetaChannelID: channelID,
			schema.MetaSessionID: sessionID,
		},
	})
	if err != nil {
		return fmt.Errorf("push reply: %w", err)
	}
	return nil
}

func (s *Sink) SendTyping(ctx context.Context, channelID, sessionID string) error {
	_, err := s.Bus.Push(ctx, EventInput{
		Stream:    schema.StreamTyping,
		ScopeType: "session",
		ScopeID:   sessionID,
		Subject:   "typing",
		Body:      "typing",
		Metadata: map[string]any{
			schema.MetaChannelID: channelID,
			schema.MetaSessionID: sessionID,
		},
	})
	if err != nil {
		return fmt.Errorf("push typing: %w", err)
	}
	return nil
}
