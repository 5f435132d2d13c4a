package checkpoint

import (
	"sync"

	"github.com/petrelhq/petrel/internal/schema"
)

// pressureState tracks tool-call volume inside the current checkpoint cycle
// for one session. Each escalation level fires at most once per cycle.
type pressureState struct {
	toolCalls int
	fired     map[schema.Pressure]bool
}

func newPressureState() *pressureState {
	return &pressureState{fired: map[schema.Pressure]bool{}}
}

type pressureTracker struct {
	mu       sync.Mutex
	sessions map[string]*pressureState

	gentleAt int
	firmAt   int
	urgentAt int
}

func newPressureTracker(gentleAt, firmAt, urgentAt int) *pressureTracker {
	return &pressureTracker{
		sessions: map[string]*pressureState{},
		gentleAt: gentleAt,
		firmAt:   firmAt,
		urgentAt: urgentAt,
	}
}

// observe adds n tool calls to the session's window and returns the next
// unfired level the new volume justifies, or PressureNone.
func (t *pressureTracker) observe(sessionID string, n int) schema.Pressure {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.sessions[sessionID]
	if !ok {
		state = newPressureState()
		t.sessions[sessionID] = state
	}
	state.toolCalls += n

	level := schema.PressureNone
	switch {
	case state.toolCalls >= t.urgentAt:
		level = schema.PressureUrgent
	case state.toolCalls >= t.firmAt:
		level = schema.PressureFirm
	case state.toolCalls >= t.gentleAt:
		level = schema.PressureGentle
	}
	if level == schema.PressureNone || state.fired[level] {
		return schema.PressureNone
	}
	state.fired[level] = true
	return level
}

// reset clears the window. Called when a periodic checkpoint completes.
func (t *pressureTracker) reset(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// PressureMessage renders the nudge injected for an escalation level.
func PressureMessage(level schema.Pressure) string {
	switch level {
	case schema.PressureGentle:
		return "Note: tool-call volume is climbing. Prefer consolidating remaining work into fewer calls."
	case schema.PressureFirm:
		return "Tool-call volume is high for this cycle. Finish the essential calls and start converging on an answer."
	case schema.PressureUrgent:
		return "Tool-call volume is critical. Stop exploratory calls now and produce your answer with what you have."
	default:
		return ""
	}
}
