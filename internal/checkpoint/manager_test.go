package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/petrelhq/petrel/internal/schema"
	"github.com/petrelhq/petrel/internal/session"
	"github.com/petrelhq/petrel/internal/testutil"
)

type staticSummarizer struct {
	summary    string
	facts      []string
	calls      int
	factCalls  int
	lastInput  string
	summarizeE error
}

func (s *staticSummarizer) Summarize(ctx context.Context, input string) (string, error) {
	s.calls++
	s.lastInput = input
	return s.summary, s.summarizeE
}

func (s *staticSummarizer) ExtractFacts(ctx context.Context, input string) ([]string, error) {
	s.factCalls++
	return s.facts, nil
}

func testConfig() Config {
	return Config{
		Interval:         5,
		TokenThreshold:   100,
		KeepTail:         3,
		PressureGentleAt: 3,
		PressureFirmAt:   6,
		PressureUrgentAt: 9,
	}
}

func newTestManager(t *testing.T, sum *staticSummarizer, cfg Config) (*Manager, *session.Store, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	store := session.NewStore(db)
	mgr, err := NewManager(store, sum, cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr, store, closeFn
}

func TestConfigValidate(t *testing.T) {
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := []Config{
		{Interval: -1, TokenThreshold: 100, KeepTail: 3, PressureGentleAt: 3, PressureFirmAt: 6, PressureUrgentAt: 9},
		{Interval: 5, TokenThreshold: 0, KeepTail: 3, PressureGentleAt: 3, PressureFirmAt: 6, PressureUrgentAt: 9},
		{Interval: 5, TokenThreshold: 100, KeepTail: 0, PressureGentleAt: 3, PressureFirmAt: 6, PressureUrgentAt: 9},
		{Interval: 5, TokenThreshold: 100, KeepTail: 3, PressureGentleAt: 6, PressureFirmAt: 3, PressureUrgentAt: 9},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("config %d should be rejected", i)
		}
	}
}

func TestObserveIterationCheckpointsOnInterval(t *testing.T) {
	sum := &staticSummarizer{}
	mgr, store, closeFn := newTestManager(t, sum, testConfig())
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	for iteration := 1; iteration <= 10; iteration++ {
		saved, err := mgr.ObserveIteration(ctx, sess.ID, iteration, "do the thing", fmt.Sprintf("iteration %d", iteration))
		if err != nil {
			t.Fatalf("observe %d: %v", iteration, err)
		}
		want := iteration%5 == 0
		if saved != want {
			t.Fatalf("iteration %d saved = %v, want %v", iteration, saved, want)
		}
	}

	cps, err := store.ListCheckpoints(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(cps))
	}
}

func TestObserveToolCallsEscalatesOncePerLevel(t *testing.T) {
	sum := &staticSummarizer{}
	mgr, _, closeFn := newTestManager(t, sum, testConfig())
	defer closeFn()

	level, msg := mgr.ObserveToolCalls("s1", 2)
	if level != schema.PressureNone || msg != "" {
		t.Fatalf("below gentle threshold fired %q", level)
	}
	level, msg = mgr.ObserveToolCalls("s1", 1) // total 3
	if level != schema.PressureGentle || msg == "" {
		t.Fatalf("expected gentle, got %q", level)
	}
	level, _ = mgr.ObserveToolCalls("s1", 1) // total 4, gentle already fired
	if level != schema.PressureNone {
		t.Fatalf("gentle fired twice")
	}
	level, _ = mgr.ObserveToolCalls("s1", 2) // total 6
	if level != schema.PressureFirm {
		t.Fatalf("expected firm, got %q", level)
	}
	level, _ = mgr.ObserveToolCalls("s1", 10) // total 16, well past urgent
	if level != schema.PressureUrgent {
		t.Fatalf("expected urgent, got %q", level)
	}
	level, _ = mgr.ObserveToolCalls("s1", 10)
	if level != schema.PressureNone {
		t.Fatalf("urgent fired twice")
	}

	// Other sessions track independently.
	if level, _ := mgr.ObserveToolCalls("s2", 3); level != schema.PressureGentle {
		t.Fatalf("sessions share pressure state")
	}
}

func TestCheckpointResetsPressureWindow(t *testing.T) {
	sum := &staticSummarizer{}
	mgr, store, closeFn := newTestManager(t, sum, testConfig())
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if level, _ := mgr.ObserveToolCalls(sess.ID, 3); level != schema.PressureGentle {
		t.Fatalf("expected gentle before checkpoint")
	}
	if _, err := mgr.ObserveIteration(ctx, sess.ID, 5, "msg", "crumb"); err != nil {
		t.Fatalf("observe iteration: %v", err)
	}
	// Window cleared: gentle can fire again.
	if level, _ := mgr.ObserveToolCalls(sess.ID, 3); level != schema.PressureGentle {
		t.Fatalf("pressure window not reset by checkpoint")
	}
}

func TestResumeBreadcrumb(t *testing.T) {
	sum := &staticSummarizer{}
	mgr, store, closeFn := newTestManager(t, sum, testConfig())
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if got := mgr.ResumeBreadcrumb(ctx, sess.ID); got != "" {
		t.Fatalf("expected empty breadcrumb for fresh session, got %q", got)
	}

	if _, err := store.SaveCheckpoint(ctx, session.Checkpoint{SessionID: sess.ID, Iteration: 5, LastUserMessage: "book the flight"}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if got := mgr.ResumeBreadcrumb(ctx, sess.ID); got != "book the flight" {
		t.Fatalf("expected fallback to last user message, got %q", got)
	}

	if _, err := store.SaveCheckpoint(ctx, session.Checkpoint{SessionID: sess.ID, Iteration: 10, LastUserMessage: "book the flight", Breadcrumb: "iteration 10, last tool search_flights"}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if got := mgr.ResumeBreadcrumb(ctx, sess.ID); got != "iteration 10, last tool search_flights" {
		t.Fatalf("breadcrumb = %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	turns := []session.Turn{
		{Role: session.RoleUser, Text: strings.Repeat("a", 40)},
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{Name: "echo", Arguments: []byte(`{"text":"x"}`)}}},
	}
	got := EstimateTokens(turns)
	want := (40 + len("echo") + len(`{"text":"x"}`)) / 4
	if got != want {
		t.Fatalf("estimate = %d, want %d", got, want)
	}
}

func TestMaybeCompactBelowThresholdIsNoOp(t *testing.T) {
	sum := &staticSummarizer{summary: "should not be used"}
	mgr, store, closeFn := newTestManager(t, sum, testConfig())
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	turns := []session.Turn{
		{Role: session.RoleUser, Text: "short"},
		{Role: session.RoleAssistant, Text: "reply"},
	}
	out, compacted, err := mgr.MaybeCompact(ctx, sess.ID, turns)
	if err != nil {
		t.Fatalf("maybe compact: %v", err)
	}
	if compacted {
		t.Fatalf("compacted below threshold")
	}
	if len(out) != len(turns) {
		t.Fatalf("turns changed: %d", len(out))
	}
	if sum.calls != 0 {
		t.Fatalf("summarizer invoked below threshold")
	}
	history, err := store.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history written below threshold")
	}
}

func TestCompactPreservesTailAndFlushesFacts(t *testing.T) {
	sum := &staticSummarizer{
		summary: "the user is planning a trip to Lisbon",
		facts:   []string{"user prefers aisle seats"},
	}
	mgr, store, closeFn := newTestManager(t, sum, testConfig())
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	var turns []session.Turn
	for i := 0; i < 10; i++ {
		turns = append(turns, session.Turn{Role: session.RoleUser, Text: fmt.Sprintf("user turn %d", i)})
	}

	compacted, err := mgr.Compact(ctx, sess.ID, turns)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	// KeepTail is 3: one summary turn plus the last three originals.
	if len(compacted) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(compacted))
	}
	if compacted[0].Role != session.RoleSystem || !strings.Contains(compacted[0].Text, "Lisbon") {
		t.Fatalf("summary turn missing: %+v", compacted[0])
	}
	for i, turn := range compacted[1:] {
		want := fmt.Sprintf("user turn %d", 7+i)
		if turn.Text != want {
			t.Fatalf("tail turn %d = %q, want %q", i, turn.Text, want)
		}
	}
	if !strings.Contains(sum.lastInput, "user turn 0") || strings.Contains(sum.lastInput, "user turn 9") {
		t.Fatalf("summarizer input wrong: %q", sum.lastInput)
	}

	facts, err := store.ListFacts(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Fact != "user prefers aisle seats" || facts[0].Source != "compaction" {
		t.Fatalf("facts not flushed: %+v", facts)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Summary != "the user is planning a trip to Lisbon" {
		t.Fatalf("summary not stored: %q", got.Summary)
	}

	history, err := store.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 || history[0].Seq != 1 {
		t.Fatalf("history not replaced: %d turns", len(history))
	}
}

func TestCompactShortConversationIsUntouched(t *testing.T) {
	sum := &staticSummarizer{summary: "unused"}
	mgr, store, closeFn := newTestManager(t, sum, testConfig())
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	turns := []session.Turn{{Role: session.RoleUser, Text: "hi"}}
	out, err := mgr.Compact(ctx, sess.ID, turns)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(out) != 1 || sum.calls != 0 {
		t.Fatalf("short conversation was compacted")
	}
}

func TestSummaryForUnknownSessionIsEmpty(t *testing.T) {
	sum := &staticSummarizer{}
	mgr, _, closeFn := newTestManager(t, sum, testConfig())
	defer closeFn()

	got, err := mgr.Summary(context.Background(), "missing")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got != "" {
		t.Fatalf("summary = %q", got)
	}
}

func TestParseFactListToleratesProse(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{`["a", "b"]`, 2},
		{`Here are the facts: ["a", " ", "b"] hope that helps`, 2},
		{`no array here`, 0},
		{`[not json]`, 0},
		{`[]`, 0},
	}
	for _, tc := range cases {
		if got := parseFactList(tc.in); len(got) != tc.want {
			t.Fatalf("parseFactList(%q) = %v, want %d entries", tc.in, got, tc.want)
		}
	}
}
