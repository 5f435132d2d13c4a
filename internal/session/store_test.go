package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/petrelhq/petrel/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	return NewStore(db), closeFn
}

func TestCreateAndGetSession(t *testing.T) {
	store, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	created, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}

	got, err := store.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ChannelID != "chan-1" {
		t.Fatalf("channel id = %q", got.ChannelID)
	}

	_, err = store.GetSession(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendTurnAssignsMonotonicSequence(t *testing.T) {
	store, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.AppendTurn(ctx, sess.ID, Turn{Role: RoleUser, Text: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	turns, err := store.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 5 {
		t.Fatalf("expected 5 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Fatalf("turn %d seq = %d", i, turn.Seq)
		}
		if turn.Text != fmt.Sprintf("msg %d", i) {
			t.Fatalf("turn %d out of order: %q", i, turn.Text)
		}
	}
}

func TestAppendTurnRoundTripsToolPayload(t *testing.T) {
	store, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	args := json.RawMessage(`{"text":"ping"}`)
	if _, err := store.AppendTurn(ctx, sess.ID, Turn{
		Role:      RoleAssistant,
		Text:      "",
		ToolCalls: []ToolCall{{ID: "call-1", Name: "echo", Arguments: args}},
	}); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if _, err := store.AppendTurn(ctx, sess.ID, Turn{
		Role:       RoleToolResult,
		ToolCallID: "call-1",
		ToolName:   "echo",
		Text:       "ping",
	}); err != nil {
		t.Fatalf("append result: %v", err)
	}

	turns, err := store.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns[0].ToolCalls) != 1 || turns[0].ToolCalls[0].Name != "echo" {
		t.Fatalf("tool call lost: %+v", turns[0])
	}
	if string(turns[0].ToolCalls[0].Arguments) != `{"text":"ping"}` {
		t.Fatalf("arguments mangled: %s", turns[0].ToolCalls[0].Arguments)
	}
	if turns[1].ToolCallID != "call-1" || turns[1].ToolName != "echo" {
		t.Fatalf("result linkage lost: %+v", turns[1])
	}
}

func TestReplaceHistoryRenumbersFromOne(t *testing.T) {
	store, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < 6; i++ {
		if _, err := store.AppendTurn(ctx, sess.ID, Turn{Role: RoleUser, Text: fmt.Sprintf("old %d", i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	replacement := []Turn{
		{Role: RoleSystem, Text: "summary of earlier turns"},
		{Role: RoleUser, Text: "old 5"},
	}
	if err := store.ReplaceHistory(ctx, sess.ID, replacement); err != nil {
		t.Fatalf("replace history: %v", err)
	}

	turns, err := store.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns after replace, got %d", len(turns))
	}
	if turns[0].Seq != 1 || turns[1].Seq != 2 {
		t.Fatalf("sequence not renumbered: %d, %d", turns[0].Seq, turns[1].Seq)
	}
	if turns[0].Role != RoleSystem {
		t.Fatalf("summary turn should come first")
	}

	// Appending after a replace continues the new numbering.
	appended, err := store.AppendTurn(ctx, sess.ID, Turn{Role: RoleUser, Text: "new"})
	if err != nil {
		t.Fatalf("append after replace: %v", err)
	}
	if appended.Seq != 3 {
		t.Fatalf("post-replace seq = %d, want 3", appended.Seq)
	}
}

func TestSetSummary(t *testing.T) {
	store, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.SetSummary(ctx, sess.ID, "short summary"); err != nil {
		t.Fatalf("set summary: %v", err)
	}
	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Summary != "short summary" {
		t.Fatalf("summary = %q", got.Summary)
	}
}

func TestFactsPersistAcrossHistoryReplacement(t *testing.T) {
	store, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.SaveFact(ctx, sess.ID, "customer prefers morning calls", "compaction"); err != nil {
		t.Fatalf("save fact: %v", err)
	}
	if err := store.ReplaceHistory(ctx, sess.ID, nil); err != nil {
		t.Fatalf("replace history: %v", err)
	}
	facts, err := store.ListFacts(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Fact != "customer prefers morning calls" {
		t.Fatalf("facts lost: %v", facts)
	}
	if facts[0].Source != "compaction" {
		t.Fatalf("source = %q", facts[0].Source)
	}
}

func TestCheckpointsNewestFirst(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	store := NewStore(db, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))

	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "chan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, iteration := range []int{5, 10} {
		if _, err := store.SaveCheckpoint(ctx, Checkpoint{
			SessionID:       sess.ID,
			Iteration:       iteration,
			LastUserMessage: "build the report",
			Breadcrumb:      fmt.Sprintf("iteration %d", iteration),
		}); err != nil {
			t.Fatalf("save checkpoint: %v", err)
		}
	}

	latest, err := store.LatestCheckpoint(ctx, sess.ID)
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if latest.Iteration != 10 {
		t.Fatalf("latest iteration = %d", latest.Iteration)
	}
	if latest.Breadcrumb != "iteration 10" || latest.LastUserMessage != "build the report" {
		t.Fatalf("checkpoint fields lost: %+v", latest)
	}
	all, err := store.ListCheckpoints(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(all) != 2 || all[0].Iteration != 10 {
		t.Fatalf("unexpected checkpoint order: %+v", all)
	}

	_, err = store.LatestCheckpoint(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
