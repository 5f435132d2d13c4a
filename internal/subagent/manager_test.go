package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrelhq/petrel/internal/eventbus"
	"github.com/petrelhq/petrel/internal/testutil"
)

// blockingRunner holds every run open until released, counting concurrent
// executions.
type blockingRunner struct {
	release chan struct{}
	active  atomic.Int64
	peak    atomic.Int64
	result  string
	err     error
}

func newBlockingRunner(result string) *blockingRunner {
	return &blockingRunner{release: make(chan struct{}), result: result}
}

func (r *blockingRunner) RunSubagent(ctx context.Context, task Task) (string, error) {
	n := r.active.Add(1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	defer r.active.Add(-1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return r.result, r.err
}

func newTestManager(t *testing.T, cfg Config, runner Runner) (*Manager, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	bus := eventbus.NewBus(db)
	mgr, err := NewManager(db, bus, cfg)
	if err != nil {
		closeFn()
		t.Fatalf("new manager: %v", err)
	}
	if runner != nil {
		mgr.SetRunner(runner)
	}
	return mgr, closeFn
}

func TestSpawnBeyondCapacityIsRejected(t *testing.T) {
	runner := newBlockingRunner("done")
	mgr, closeFn := newTestManager(t, Config{Capacity: 2}, runner)
	defer closeFn()
	defer close(runner.release)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := mgr.Spawn(ctx, Spec{Prefix: "sub", Goal: fmt.Sprintf("job %d", i)}); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}

	// With zero SpawnWait the third spawn must fail immediately.
	_, err := mgr.Spawn(ctx, Spec{Prefix: "sub", Goal: "job 2"})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	deadline := time.After(2 * time.Second)
	for runner.active.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for runners to start")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if runner.peak.Load() > 2 {
		t.Fatalf("more than capacity ran concurrently: %d", runner.peak.Load())
	}
	total, inUse := mgr.Capacity()
	if total != 2 || inUse != 2 {
		t.Fatalf("capacity report = (%d, %d), want (2, 2)", total, inUse)
	}
}

func TestSpawnWaitsForFreedPermit(t *testing.T) {
	runner := newBlockingRunner("done")
	mgr, closeFn := newTestManager(t, Config{Capacity: 1, SpawnWait: 2 * time.Second}, runner)
	defer closeFn()

	ctx := context.Background()
	first, err := mgr.Spawn(ctx, Spec{Prefix: "sub", Goal: "first"})
	if err != nil {
		t.Fatalf("spawn first: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(runner.release)
	}()

	second, err := mgr.Spawn(ctx, Spec{Prefix: "sub", Goal: "second"})
	if err != nil {
		t.Fatalf("expected bounded wait to obtain the freed permit, got %v", err)
	}

	for _, id := range []string{first.ID, second.ID} {
		task, err := mgr.Await(ctx, id, 2*time.Second)
		if err != nil {
			t.Fatalf("await %s: %v", id, err)
		}
		if task.Status != StatusCompleted {
			t.Fatalf("task %s status = %s, want completed", id, task.Status)
		}
		if task.Result != "done" {
			t.Fatalf("task %s result = %q", id, task.Result)
		}
	}
}

func TestSpawnWaitExpiresWithErrCapacity(t *testing.T) {
	runner := newBlockingRunner("done")
	mgr, closeFn := newTestManager(t, Config{Capacity: 1, SpawnWait: 50 * time.Millisecond}, runner)
	defer closeFn()
	defer close(runner.release)

	ctx := context.Background()
	if _, err := mgr.Spawn(ctx, Spec{Prefix: "sub", Goal: "holder"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	start := time.Now()
	_, err := mgr.Spawn(ctx, Spec{Prefix: "sub", Goal: "blocked"})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity after wait, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("spawn returned before the bounded wait elapsed: %s", elapsed)
	}
}

func TestCancelRunningTask(t *testing.T) {
	runner := newBlockingRunner("never")
	mgr, closeFn := newTestManager(t, Config{Capacity: 1}, runner)
	defer closeFn()

	ctx := context.Background()
	task, err := mgr.Spawn(ctx, Spec{Prefix: "sub", Goal: "long job"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// Let the runner start before cancelling.
	deadline := time.After(2 * time.Second)
	for runner.active.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("runner never started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := mgr.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	finished, err := mgr.Await(ctx, task.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if finished.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", finished.Status)
	}

	// Cancelling a terminal task is a typed transition error.
	err = mgr.Cancel(ctx, task.ID)
	if !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected ErrInvalidStatusTransition, got %v", err)
	}
	var transitionErr *StatusTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected StatusTransitionError, got %T", err)
	}
}

func TestCancelImmediatelyAfterSpawn(t *testing.T) {
	runner := newBlockingRunner("never")
	mgr, closeFn := newTestManager(t, Config{Capacity: 1, SpawnWait: 2 * time.Second}, runner)
	defer closeFn()
	defer close(runner.release)

	// Cancel before the background goroutine has moved the row off
	// pending. Whichever side wins the race, the row must still reach
	// cancelled; repeated attempts catch different interleavings.
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		task, err := mgr.Spawn(ctx, Spec{Prefix: "sub", Goal: fmt.Sprintf("short-lived %d", i)})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		if err := mgr.Cancel(ctx, task.ID); err != nil {
			t.Fatalf("cancel %d: %v", i, err)
		}
		finished, err := mgr.Await(ctx, task.ID, 2*time.Second)
		if err != nil {
			t.Fatalf("await %d: %v", i, err)
		}
		if finished.Status != StatusCancelled {
			t.Fatalf("attempt %d: status = %s, want cancelled", i, finished.Status)
		}
	}
}

func TestCancelUnknownTask(t *testing.T) {
	mgr, closeFn := newTestManager(t, Config{Capacity: 1}, newBlockingRunner(""))
	defer closeFn()

	err := mgr.Cancel(context.Background(), "sub-404")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSpawnWithCustomID(t *testing.T) {
	runner := newBlockingRunner("done")
	close(runner.release)
	mgr, closeFn := newTestManager(t, Config{Capacity: 2}, runner)
	defer closeFn()

	ctx := context.Background()
	task, err := mgr.Spawn(ctx, Spec{ID: "research-auth", Goal: "inspect auth flow"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if task.ID != "research-auth" {
		t.Fatalf("task id = %q", task.ID)
	}

	if _, err := mgr.Spawn(ctx, Spec{ID: "Not Valid!", Goal: "bad id"}); err == nil {
		t.Fatalf("expected invalid custom id to be rejected")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	runner := newBlockingRunner("done")
	mgr, closeFn := newTestManager(t, Config{Capacity: 2}, runner)
	defer closeFn()

	ctx := context.Background()
	first, err := mgr.Spawn(ctx, Spec{Prefix: "sub", Goal: "finishes"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	close(runner.release)
	if _, err := mgr.Await(ctx, first.ID, 2*time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}

	completed, err := mgr.List(ctx, ListFilter{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != first.ID {
		t.Fatalf("unexpected completed list %v", completed)
	}
	running, err := mgr.List(ctx, ListFilter{Status: StatusRunning})
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("expected no running tasks, got %d", len(running))
	}
}

func TestStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestSpawnRequiresGoal(t *testing.T) {
	mgr, closeFn := newTestManager(t, Config{Capacity: 1}, newBlockingRunner(""))
	defer closeFn()

	if _, err := mgr.Spawn(context.Background(), Spec{Prefix: "sub", Goal: "   "}); err == nil {
		t.Fatalf("expected goal validation error")
	}
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("zero capacity must be rejected")
	}
	if err := (Config{Capacity: 1, SpawnWait: -time.Second}).Validate(); err == nil {
		t.Fatalf("negative spawn wait must be rejected")
	}
}
