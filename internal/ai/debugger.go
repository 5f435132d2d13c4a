package ai

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/petrelhq/petrel/internal/eventbus"
	"github.com/petrelhq/petrel/internal/schema"
)

// BusDebugger mirrors raw provider traffic onto the signals stream with API
// keys redacted. Wire it with WithDebugger when diagnosing provider issues.
type BusDebugger struct {
	bus        *eventbus.Bus
	sessionID  string
	redactions []string
	keyPattern *regexp.Regexp
}

func NewBusDebugger(bus *eventbus.Bus, sessionID string) *BusDebugger {
	return &BusDebugger{
		bus:        bus,
		sessionID:  sessionID,
		redactions: loadAPIKeySecrets(),
		keyPattern: regexp.MustCompile(`([&?]key)=([^&]+)`),
	}
}

func loadAPIKeySecrets() []string {
	out := []string{}
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if !strings.HasSuffix(key, "API_KEY") || value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}

func (d *BusDebugger) redact(text string) string {
	if text == "" {
		return text
	}
	if d.keyPattern != nil {
		text = d.keyPattern.ReplaceAllString(text, "$1=…")
	}
	for _, secret := range d.redactions {
		if secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, secret, "…")
	}
	return text
}

func (d *BusDebugger) push(subject string, payload map[string]any) {
	if d.bus == nil {
		return
	}
	_, _ = d.bus.Push(context.Background(), eventbus.EventInput{
		Stream:    schema.StreamSignals,
		ScopeType: "session",
		ScopeID:   d.sessionID,
		Subject:   subject,
		Body:      subject,
		Metadata: map[string]any{
			schema.MetaKind:      "llm_debug",
			schema.MetaSessionID: d.sessionID,
		},
		Payload: payload,
	})
}

func (d *BusDebugger) RawRequest(endpoint string, data []byte) {
	d.push("llm_debug_request", map[string]any{
		"endpoint": d.redact(endpoint),
		"data":     d.redact(string(data)),
	})
}

func (d *BusDebugger) RawEvent(data []byte) {
	d.push("llm_debug_event", map[string]any{
		"data": d.redact(string(data)),
	})
}
