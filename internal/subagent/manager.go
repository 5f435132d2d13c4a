package subagent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/petrelhq/petrel/internal/agentcontext"
	"github.com/petrelhq/petrel/internal/eventbus"
	"github.com/petrelhq/petrel/internal/idgen"
	"github.com/petrelhq/petrel/internal/schema"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrCapacity is the typed outcome when no permit frees up within the
	// configured wait. Callers report it; nothing is silently dropped.
	ErrCapacity = errors.New("subagent capacity exceeded")

	ErrInvalidStatusTransition = errors.New("invalid subagent status transition")

	ErrNotFound = errors.New("subagent not found")
)

type StatusTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("subagent %s: cannot transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Task is a subagent run record. The manager owns it exclusively; callers
// hold only the id for lookup and cancellation.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	Status      Status     `json:"status"`
	Goal        string     `json:"goal"`
	SeedSummary string     `json:"seed_summary,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type Spec struct {
	// ID is optional; when empty a sequential id is generated from Prefix.
	ID          string
	Prefix      string
	SessionID   string
	Goal        string
	SeedSummary string
}

// Runner executes the nested loop for one task. The engine implements it;
// injecting the interface keeps this package free of loop internals.
type Runner interface {
	RunSubagent(ctx context.Context, task Task) (string, error)
}

type Config struct {
	// Capacity is the fixed number of concurrently running subagents.
	Capacity int
	// SpawnWait bounds how long Spawn blocks for a permit. Zero rejects
	// immediately. There is never an unbounded queue.
	SpawnWait time.Duration
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("subagent capacity must be positive, got %d", c.Capacity)
	}
	if c.SpawnWait < 0 {
		return fmt.Errorf("spawn wait must be non-negative, got %s", c.SpawnWait)
	}
	return nil
}

type Manager struct {
	db  *sql.DB
	bus *eventbus.Bus
	cfg Config
	sem *semaphore.Weighted

	nowFn   func() time.Time
	newIDFn func(prefix string) string

	mu      sync.Mutex
	runner  Runner
	cancels map[string]context.CancelFunc
	inUse   int
}

type Option func(*Manager)

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.nowFn = fn
		}
	}
}

func WithIDGenerator(fn func(prefix string) string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newIDFn = fn
		}
	}
}

func NewManager(db *sql.DB, bus *eventbus.Bus, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("subagent config: %w", err)
	}
	m := &Manager{
		db:      db,
		bus:     bus,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Capacity)),
		nowFn:   func() time.Time { return time.Now().UTC() },
		cancels: map[string]context.CancelFunc{},
	}
	m.newIDFn = func(prefix string) string { return idgen.SubagentID(db, prefix) }
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetRunner binds the nested-loop runner. Must happen before the first
// Spawn; wiring order in the daemon guarantees it.
func (m *Manager) SetRunner(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runner = r
}

// Capacity reports total permits and how many are held right now.
func (m *Manager) Capacity() (total, inUse int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Capacity, m.inUse
}

// Spawn acquires a permit and starts the task in the background. When no
// permit frees up within SpawnWait the spawn fails with ErrCapacity.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (Task, error) {
	goal := strings.TrimSpace(spec.Goal)
	if goal == "" {
		return Task{}, fmt.Errorf("subagent goal is required")
	}
	m.mu.Lock()
	runner := m.runner
	m.mu.Unlock()
	if runner == nil {
		return Task{}, fmt.Errorf("subagent runner is not bound")
	}

	if err := m.acquire(ctx); err != nil {
		return Task{}, err
	}

	id := strings.TrimSpace(spec.ID)
	if id == "" {
		prefix := strings.TrimSpace(spec.Prefix)
		if prefix == "" {
			prefix = "worker"
		}
		id = m.newIDFn(prefix)
	} else if err := idgen.ValidateCustomID(id); err != nil {
		m.release()
		return Task{}, err
	}

	now := m.nowFn()
	task := Task{
		ID:          id,
		SessionID:   spec.SessionID,
		Status:      StatusPending,
		Goal:        goal,
		SeedSummary: spec.SeedSummary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := m.db.ExecContext(ctx, `
		INSERT INTO subagent_tasks (id, session_id, status, goal, seed_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, nullString(task.SessionID), string(task.Status), task.Goal, nullString(task.SeedSummary),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		m.release()
		return Task{}, fmt.Errorf("insert subagent task: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancels[task.ID] = cancel
	m.mu.Unlock()

	go m.run(runCtx, runner, task)

	m.emit(ctx, task.ID, "subagent_spawned", goal)
	return task, nil
}

func (m *Manager) acquire(ctx context.Context) error {
	if m.cfg.SpawnWait <= 0 {
		if !m.sem.TryAcquire(1) {
			return ErrCapacity
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, m.cfg.SpawnWait)
		defer cancel()
		if err := m.sem.Acquire(waitCtx, 1); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrCapacity
		}
	}
	m.mu.Lock()
	m.inUse++
	m.mu.Unlock()
	return nil
}

func (m *Manager) release() {
	m.sem.Release(1)
	m.mu.Lock()
	m.inUse--
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, runner Runner, task Task) {
	defer func() {
		m.mu.Lock()
		delete(m.cancels, task.ID)
		m.mu.Unlock()
		m.release()
	}()

	// Status writes must land even after cooperative cancellation kills
	// the run context; the row's lifecycle is owned here, not by the
	// caller that cancelled.
	store := context.WithoutCancel(ctx)

	if err := m.setStatus(store, task.ID, StatusRunning, "", ""); err != nil {
		// Cancel already finalized the row before the goroutine started.
		return
	}
	if ctx.Err() != nil {
		// Cancel fired between Spawn and here; the row just moved to
		// running, so finalize it without invoking the runner.
		_ = m.setStatus(store, task.ID, StatusCancelled, "", ctx.Err().Error())
		m.emit(store, task.ID, "subagent_cancelled", ctx.Err().Error())
		return
	}

	result, err := runner.RunSubagent(agentcontext.WithSubagentID(ctx, task.ID), task)
	switch {
	case err == nil:
		_ = m.setStatus(store, task.ID, StatusCompleted, result, "")
		m.emit(store, task.ID, "subagent_completed", firstLine(result))
	case ctx.Err() != nil:
		_ = m.setStatus(store, task.ID, StatusCancelled, "", ctx.Err().Error())
		m.emit(store, task.ID, "subagent_cancelled", ctx.Err().Error())
	default:
		_ = m.setStatus(store, task.ID, StatusFailed, "", err.Error())
		m.emit(store, task.ID, "subagent_failed", err.Error())
	}
}

// Cancel is cooperative: it cancels the task's context and the nested loop
// stops at its next suspension point.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	task, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return &StatusTransitionError{TaskID: id, From: task.Status, To: StatusCancelled}
	}

	m.mu.Lock()
	cancel, running := m.cancels[id]
	m.mu.Unlock()
	if running {
		cancel()
		return nil
	}
	// Not started yet (or the process restarted): finalize directly.
	return m.setStatus(ctx, id, StatusCancelled, "", "cancelled before start")
}

func (m *Manager) Get(ctx context.Context, id string) (Task, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, session_id, status, goal, seed_summary, result, error, created_at, updated_at, started_at, finished_at
		FROM subagent_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("subagent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("get subagent: %w", err)
	}
	return task, nil
}

type ListFilter struct {
	Status Status
	Limit  int
}

func (m *Manager) List(ctx context.Context, filter ListFilter) ([]Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, status, goal, seed_summary, result, error, created_at, updated_at, started_at, finished_at
		FROM subagent_tasks`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subagents: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subagent: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subagents: %w", err)
	}
	return out, nil
}

// Await polls until the task reaches a terminal status or the timeout
// elapses.
func (m *Manager) Await(ctx context.Context, id string, timeout time.Duration) (Task, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		task, err := m.Get(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-deadline.C:
			return task, fmt.Errorf("await subagent %s: timeout after %s", id, timeout)
		case <-ticker.C:
		}
	}
}

func (m *Manager) setStatus(ctx context.Context, id string, to Status, result, errMsg string) error {
	task, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(task.Status, to) {
		return &StatusTransitionError{TaskID: id, From: task.Status, To: to}
	}
	now := m.nowFn().Format(time.RFC3339Nano)
	switch to {
	case StatusRunning:
		_, err = m.db.ExecContext(ctx, `
			UPDATE subagent_tasks SET status = ?, updated_at = ?, started_at = ? WHERE id = ?`,
			string(to), now, now, id)
	case StatusCompleted, StatusFailed, StatusCancelled:
		_, err = m.db.ExecContext(ctx, `
			UPDATE subagent_tasks SET status = ?, result = ?, error = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
			string(to), nullString(result), nullString(errMsg), now, now, id)
	default:
		_, err = m.db.ExecContext(ctx, `
			UPDATE subagent_tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(to), now, id)
	}
	if err != nil {
		return fmt.Errorf("update subagent status: %w", err)
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, id, kind, body string) {
	if m.bus == nil {
		return
	}
	if body == "" {
		body = kind
	}
	_, _ = m.bus.Push(ctx, eventbus.EventInput{
		Stream:    schema.StreamSignals,
		ScopeType: "subagent",
		ScopeID:   id,
		Subject:   kind,
		Body:      body,
		Metadata: map[string]any{
			schema.MetaKind:       kind,
			schema.MetaSubagentID: id,
		},
	})
}

func scanTask(row interface{ Scan(dest ...any) error }) (Task, error) {
	var task Task
	var sessionID, seedSummary, result, errMsg, startedAt, finishedAt sql.NullString
	var status, createdAtStr, updatedAtStr string
	if err := row.Scan(&task.ID, &sessionID, &status, &task.Goal, &seedSummary, &result, &errMsg,
		&createdAtStr, &updatedAtStr, &startedAt, &finishedAt); err != nil {
		return Task{}, err
	}
	task.SessionID = sessionID.String
	task.Status = Status(status)
	task.SeedSummary = seedSummary.String
	task.Result = result.String
	task.Error = errMsg.String
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	if startedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			task.StartedAt = &ts
		}
	}
	if finishedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, finishedAt.String); err == nil {
			task.FinishedAt = &ts
		}
	}
	return task, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
