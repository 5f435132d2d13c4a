package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrelhq/petrel/internal/idgen"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

var ErrNotFound = errors.New("not found")

type Session struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolCall is a structured request from the model naming a tool and its
// arguments. IDs are unique within a turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Turn is one message in a conversation. Tool-result turns reference the
// tool-call id they answer via ToolCallID.
type Turn struct {
	ID         string     `json:"id,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Seq        int        `json:"seq,omitempty"`
	Role       Role       `json:"role"`
	Text       string     `json:"text,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
}

type Fact struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Fact      string    `json:"fact"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint captures loop progress for recovery after an interruption.
// Rows are never mutated once written; the newest one wins.
type Checkpoint struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Iteration       int       `json:"iteration"`
	LastUserMessage string    `json:"last_user_message,omitempty"`
	Breadcrumb      string    `json:"breadcrumb,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type Store struct {
	db *sql.DB

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Store)

func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newIDFn = fn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CreateSession(ctx context.Context, channelID string) (Session, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return Session{}, fmt.Errorf("channel id is required")
	}
	id := s.newIDFn()
	now := s.nowFn()
	if err := execWithRetry(ctx, s.db, `
		INSERT INTO sessions (id, channel_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, channelID, "active", now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return Session{ID: id, ChannelID: channelID, Status: "active", CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, status, summary, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, status, summary, created_at, updated_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// SetSummary stores the current compaction summary for a session.
func (s *Store) SetSummary(ctx context.Context, sessionID, summary string) error {
	now := s.nowFn()
	if err := execWithRetry(ctx, s.db, `
		UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?`,
		nullString(summary), now.Format(time.RFC3339Nano), sessionID,
	); err != nil {
		return fmt.Errorf("update session summary: %w", err)
	}
	return nil
}

// AppendTurn appends a turn to the session's conversation log. The sequence
// number is assigned inside a transaction so concurrent appenders never
// collide.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	if turn.Role == "" {
		return Turn{}, fmt.Errorf("turn role is required")
	}
	content, err := encodeJSON(turnPayload{
		Text:       turn.Text,
		ToolCalls:  turn.ToolCalls,
		ToolCallID: turn.ToolCallID,
		ToolName:   turn.ToolName,
		IsError:    turn.IsError,
	})
	if err != nil {
		return Turn{}, fmt.Errorf("encode turn: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("begin append turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return Turn{}, fmt.Errorf("next turn seq: %w", err)
	}

	turn.ID = s.newIDFn()
	turn.SessionID = sessionID
	turn.Seq = seq
	turn.CreatedAt = s.nowFn()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, sessionID, seq, string(turn.Role), content, turn.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("commit append turn: %w", err)
	}
	return turn, nil
}

// History returns the session's turns in sequence order.
func (s *Store) History(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, created_at
		FROM turns WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var turn Turn
		var role, content, createdAtStr string
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Seq, &role, &content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = Role(role)
		var payload turnPayload
		if err := json.Unmarshal([]byte(content), &payload); err != nil {
			return nil, fmt.Errorf("decode turn %s: %w", turn.ID, err)
		}
		turn.Text = payload.Text
		turn.ToolCalls = payload.ToolCalls
		turn.ToolCallID = payload.ToolCallID
		turn.ToolName = payload.ToolName
		turn.IsError = payload.IsError
		turn.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

// ReplaceHistory swaps the session's entire conversation log for the given
// turns, renumbering from 1. Used after compaction.
func (s *Store) ReplaceHistory(ctx context.Context, sessionID string, turns []Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace history: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	now := s.nowFn()
	for i, turn := range turns {
		content, err := encodeJSON(turnPayload{
			Text:       turn.Text,
			ToolCalls:  turn.ToolCalls,
			ToolCallID: turn.ToolCallID,
			ToolName:   turn.ToolName,
			IsError:    turn.IsError,
		})
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		createdAt := turn.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (id, session_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			s.newIDFn(), sessionID, i+1, string(turn.Role), content, createdAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace history: %w", err)
	}
	return nil
}

func (s *Store) SaveFact(ctx context.Context, sessionID, fact, source string) (Fact, error) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return Fact{}, fmt.Errorf("fact is required")
	}
	id := s.newIDFn()
	now := s.nowFn()
	if err := execWithRetry(ctx, s.db, `
		INSERT INTO memory_facts (id, session_id, fact, source, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, fact, nullString(source), now.Format(time.RFC3339Nano),
	); err != nil {
		return Fact{}, fmt.Errorf("insert fact: %w", err)
	}
	return Fact{ID: id, SessionID: sessionID, Fact: fact, Source: source, CreatedAt: now}, nil
}

func (s *Store) ListFacts(ctx context.Context, sessionID string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, fact, source, created_at
		FROM memory_facts WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var source sql.NullString
		var createdAtStr string
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Fact, &source, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Source = source.String
		f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	if cp.SessionID == "" {
		return Checkpoint{}, fmt.Errorf("checkpoint session id is required")
	}
	cp.ID = s.newIDFn()
	cp.CreatedAt = s.nowFn()
	if err := execWithRetry(ctx, s.db, `
		INSERT INTO checkpoints (id, session_id, iteration, last_user_message, breadcrumb, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Iteration, nullString(cp.LastUserMessage), nullString(cp.Breadcrumb),
		cp.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return Checkpoint{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, iteration, last_user_message, breadcrumb, created_at
		FROM checkpoints WHERE session_id = ?
		ORDER BY created_at DESC, iteration DESC LIMIT 1`, sessionID)

	var cp Checkpoint
	var lastMsg, breadcrumb sql.NullString
	var createdAtStr string
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.Iteration, &lastMsg, &breadcrumb, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("checkpoint for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	cp.LastUserMessage = lastMsg.String
	cp.Breadcrumb = breadcrumb.String
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return cp, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, iteration, last_user_message, breadcrumb, created_at
		FROM checkpoints WHERE session_id = ?
		ORDER BY created_at DESC, iteration DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var lastMsg, breadcrumb sql.NullString
		var createdAtStr string
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.Iteration, &lastMsg, &breadcrumb, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.LastUserMessage = lastMsg.String
		cp.Breadcrumb = breadcrumb.String
		cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

type turnPayload struct {
	Text       string     `json:"text,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var summary sql.NullString
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&sess.ID, &sess.ChannelID, &sess.Status, &summary, &createdAtStr, &updatedAtStr); err != nil {
		return Session{}, err
	}
	sess.Summary = summary.String
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return sess, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func execWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		_, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
