package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/petrelhq/petrel/internal/schema"
	"github.com/petrelhq/petrel/internal/session"
)

type Config struct {
	// Interval is the checkpoint cadence in iterations. Zero disables
	// periodic checkpoints.
	Interval int
	// TokenThreshold triggers compaction when the estimated conversation
	// size crosses it.
	TokenThreshold int
	// KeepTail is the number of most recent turns preserved verbatim by
	// compaction.
	KeepTail int
	// Pressure thresholds count tool calls within one checkpoint cycle.
	PressureGentleAt int
	PressureFirmAt   int
	PressureUrgentAt int
}

func (c Config) Validate() error {
	if c.Interval < 0 {
		return fmt.Errorf("checkpoint interval must be non-negative, got %d", c.Interval)
	}
	if c.TokenThreshold <= 0 {
		return fmt.Errorf("token threshold must be positive, got %d", c.TokenThreshold)
	}
	if c.KeepTail <= 0 {
		return fmt.Errorf("keep tail must be positive, got %d", c.KeepTail)
	}
	if c.PressureGentleAt <= 0 || c.PressureFirmAt <= c.PressureGentleAt || c.PressureUrgentAt <= c.PressureFirmAt {
		return fmt.Errorf("pressure thresholds must be positive and strictly increasing")
	}
	return nil
}

// Manager bounds conversational growth and records recovery snapshots. One
// instance serves every session for the engine's lifetime.
type Manager struct {
	store      *session.Store
	summarizer Summarizer
	facts      FactExtractor
	cfg        Config
	pressure   *pressureTracker
}

func NewManager(store *session.Store, summarizer Summarizer, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint config: %w", err)
	}
	m := &Manager{
		store:      store,
		summarizer: summarizer,
		cfg:        cfg,
		pressure:   newPressureTracker(cfg.PressureGentleAt, cfg.PressureFirmAt, cfg.PressureUrgentAt),
	}
	if extractor, ok := summarizer.(FactExtractor); ok {
		m.facts = extractor
	}
	return m, nil
}

// ObserveIteration records a CheckpointSnapshot every Interval iterations.
// Completing a checkpoint resets the pressure window for the session.
func (m *Manager) ObserveIteration(ctx context.Context, sessionID string, iteration int, lastUserMessage, breadcrumb string) (bool, error) {
	if m.cfg.Interval <= 0 || iteration <= 0 || iteration%m.cfg.Interval != 0 {
		return false, nil
	}
	_, err := m.store.SaveCheckpoint(ctx, session.Checkpoint{
		SessionID:       sessionID,
		Iteration:       iteration,
		LastUserMessage: lastUserMessage,
		Breadcrumb:      breadcrumb,
	})
	if err != nil {
		return false, fmt.Errorf("record checkpoint: %w", err)
	}
	m.pressure.reset(sessionID)
	return true, nil
}

// ObserveToolCalls feeds tool-call volume into the pressure window and
// returns the nudge to inject, if a new escalation level was reached.
func (m *Manager) ObserveToolCalls(sessionID string, n int) (schema.Pressure, string) {
	if n <= 0 {
		return schema.PressureNone, ""
	}
	level := m.pressure.observe(sessionID, n)
	if level == schema.PressureNone {
		return schema.PressureNone, ""
	}
	return level, PressureMessage(level)
}

// ResumeBreadcrumb returns the newest checkpoint's breadcrumb for seeding a
// resumed run, or "" when the session has none.
func (m *Manager) ResumeBreadcrumb(ctx context.Context, sessionID string) string {
	cp, err := m.store.LatestCheckpoint(ctx, sessionID)
	if err != nil {
		return ""
	}
	if cp.Breadcrumb == "" {
		return cp.LastUserMessage
	}
	return cp.Breadcrumb
}

// EstimateTokens is the cheap character-based estimate used for the
// compaction trigger. Roughly four characters per token.
func EstimateTokens(turns []session.Turn) int {
	chars := 0
	for _, turn := range turns {
		chars += len(turn.Text)
		for _, call := range turn.ToolCalls {
			chars += len(call.Name) + len(call.Arguments)
		}
	}
	return chars / 4
}

// MaybeCompact compacts the conversation when it crosses the token
// threshold. Below the threshold it is a structural no-op: the same turns
// come back and nothing is written.
func (m *Manager) MaybeCompact(ctx context.Context, sessionID string, turns []session.Turn) ([]session.Turn, bool, error) {
	if EstimateTokens(turns) < m.cfg.TokenThreshold {
		return turns, false, nil
	}
	compacted, err := m.Compact(ctx, sessionID, turns)
	if err != nil {
		return turns, false, err
	}
	return compacted, true, nil
}

// Compact unconditionally summarizes older turns, preserving the last
// KeepTail verbatim. Extractable facts are flushed to the memory store
// before the detail is discarded.
func (m *Manager) Compact(ctx context.Context, sessionID string, turns []session.Turn) ([]session.Turn, error) {
	if len(turns) <= m.cfg.KeepTail {
		return turns, nil
	}
	cut := len(turns) - m.cfg.KeepTail
	head, tail := turns[:cut], turns[cut:]
	headText := renderTurns(head)

	if m.facts != nil {
		facts, err := m.facts.ExtractFacts(ctx, headText)
		if err == nil {
			for _, fact := range facts {
				if _, err := m.store.SaveFact(ctx, sessionID, fact, "compaction"); err != nil {
					return nil, fmt.Errorf("flush fact: %w", err)
				}
			}
		}
	}

	summary, err := m.summarizer.Summarize(ctx, headText)
	if err != nil {
		return nil, fmt.Errorf("compact session %s: %w", sessionID, err)
	}
	if summary == "" {
		summary = "(no summary available)"
	}
	if err := m.store.SetSummary(ctx, sessionID, summary); err != nil {
		return nil, err
	}

	compacted := make([]session.Turn, 0, len(tail)+1)
	compacted = append(compacted, session.Turn{
		Role: session.RoleSystem,
		Text: "Conversation summary of earlier turns:\n" + summary,
	})
	compacted = append(compacted, tail...)
	if err := m.store.ReplaceHistory(ctx, sessionID, compacted); err != nil {
		return nil, err
	}
	return compacted, nil
}

// Summary returns the session's stored compaction summary, used to seed
// subagents with context instead of full history.
func (m *Manager) Summary(ctx context.Context, sessionID string) (string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return sess.Summary, nil
}

func renderTurns(turns []session.Turn) string {
	var sb strings.Builder
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleToolResult:
			fmt.Fprintf(&sb, "[tool %s] %s\n", turn.ToolName, turn.Text)
		default:
			fmt.Fprintf(&sb, "[%s] %s\n", turn.Role, turn.Text)
			for _, call := range turn.ToolCalls {
				fmt.Fprintf(&sb, "[%s requested tool %s]\n", turn.Role, call.Name)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}
