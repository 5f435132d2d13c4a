package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrelhq/petrel/internal/idgen"
)

// ErrBudgetExceeded means the pre-flight gate refused a provider call.
var ErrBudgetExceeded = errors.New("budget exceeded")

type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// Gate is consulted before each provider call and fed after each response.
type Gate interface {
	CheckAllowed(ctx context.Context, sessionID string) error
	RecordUsage(ctx context.Context, sessionID string, usage Usage) error
}

// Limits of zero mean unlimited.
type Limits struct {
	MaxTokensPerSession int
	MaxCostPerSession   float64
}

// Ledger is a SQLite-backed Gate accumulating usage per session.
type Ledger struct {
	db     *sql.DB
	limits Limits

	nowFn   func() time.Time
	newIDFn func() string
}

func NewLedger(db *sql.DB, limits Limits) *Ledger {
	return &Ledger{
		db:      db,
		limits:  limits,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
}

func (l *Ledger) CheckAllowed(ctx context.Context, sessionID string) error {
	if l.limits.MaxTokensPerSession <= 0 && l.limits.MaxCostPerSession <= 0 {
		return nil
	}
	totals, err := l.Totals(ctx, sessionID)
	if err != nil {
		return err
	}
	if l.limits.MaxTokensPerSession > 0 && totals.TotalTokens() >= l.limits.MaxTokensPerSession {
		return fmt.Errorf("session %s used %d tokens: %w", sessionID, totals.TotalTokens(), ErrBudgetExceeded)
	}
	if l.limits.MaxCostPerSession > 0 && totals.Cost >= l.limits.MaxCostPerSession {
		return fmt.Errorf("session %s spent %.4f: %w", sessionID, totals.Cost, ErrBudgetExceeded)
	}
	return nil
}

func (l *Ledger) RecordUsage(ctx context.Context, sessionID string, usage Usage) error {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 && usage.Cost == 0 {
		return nil
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, session_id, prompt_tokens, completion_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.newIDFn(), sessionID, usage.PromptTokens, usage.CompletionTokens, usage.Cost,
		l.nowFn().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (l *Ledger) Totals(ctx context.Context, sessionID string) (Usage, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_records WHERE session_id = ?`, sessionID)
	var totals Usage
	if err := row.Scan(&totals.PromptTokens, &totals.CompletionTokens, &totals.Cost); err != nil {
		return Usage{}, fmt.Errorf("sum usage: %w", err)
	}
	return totals, nil
}
