package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/petrelhq/petrel/internal/agentcontext"
	"github.com/petrelhq/petrel/internal/ai"
	"github.com/petrelhq/petrel/internal/budget"
	"github.com/petrelhq/petrel/internal/checkpoint"
	"github.com/petrelhq/petrel/internal/eventbus"
	"github.com/petrelhq/petrel/internal/guard"
	"github.com/petrelhq/petrel/internal/prompt"
	"github.com/petrelhq/petrel/internal/schema"
	"github.com/petrelhq/petrel/internal/session"
	"github.com/petrelhq/petrel/internal/subagent"
	"github.com/petrelhq/petrel/internal/tools"
)

// ReplySink is where final text and typing indicators go. The engine knows
// nothing about any chat platform behind it.
type ReplySink interface {
	SendText(ctx context.Context, channelID, sessionID, text string) error
	SendTyping(ctx context.Context, channelID, sessionID string) error
}

// ForcedToolUseDirective rides in the iteration-1 request so the model
// cannot short-circuit with plain text before taking any action.
const ForcedToolUseDirective = "Begin by calling a tool. Your first response in this run must contain at least one tool call; do not answer in plain text until you have acted."

// WrapUpNudge is injected at 70% of the iteration budget.
const WrapUpNudge = "You are approaching the iteration limit for this run. Begin wrapping up: finish essential tool calls and converge on a final answer."

const finalAnswerDirective = "Iteration budget exhausted. Answer the user now with what you have. Tools are no longer available."

// Engine drives the agent loop. One instance serves all sessions; runs for
// the same session are serialized behind a per-session lock.
type Engine struct {
	cfg         Config
	client      *ai.Client
	registry    *tools.Registry
	store       *session.Store
	checkpoints *checkpoint.Manager
	integrity   *guard.Guard

	gate budget.Gate
	sink ReplySink
	bus  *eventbus.Bus

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type Option func(*Engine)

func WithGate(g budget.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

func WithSink(s ReplySink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithBus(b *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

func New(cfg Config, client *ai.Client, registry *tools.Registry, store *session.Store, checkpoints *checkpoint.Manager, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	integrity, err := guard.New(guard.Config{MaxCorrections: cfg.MaxCorrections})
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         cfg,
		client:      client,
		registry:    registry,
		store:       store,
		checkpoints: checkpoints,
		integrity:   integrity,
		locks:       map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunResult is the loop's successful outcome.
type RunResult struct {
	Text        string
	Iterations  int
	Corrections int
}

// RunError is the single typed failure surfaced to the external caller.
type RunError struct {
	Phase Phase
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("agent loop %s: %v", e.Phase, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Run drives one external turn for a session.
func (e *Engine) Run(ctx context.Context, sessionID, userMessage string) (*RunResult, error) {
	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return nil, fmt.Errorf("user message is required")
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	working, err := e.store.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	userTurn, err := e.store.AppendTurn(ctx, sessionID, session.Turn{Role: session.RoleUser, Text: userMessage})
	if err != nil {
		return nil, err
	}
	working = append(working, userTurn)

	return e.run(ctx, runSpec{
		sess:          sess,
		reg:           e.registry,
		maxIterations: e.cfg.MaxIterations,
		notify:        true,
	}, working, userMessage)
}

// RunSubagent implements subagent.Runner: a nested loop over the
// capability-filtered registry, seeded with the parent's compaction summary
// instead of full history.
func (e *Engine) RunSubagent(ctx context.Context, task subagent.Task) (string, error) {
	sess, err := e.store.CreateSession(ctx, "subagent:"+task.ID)
	if err != nil {
		return "", err
	}
	if task.SeedSummary != "" {
		if err := e.store.SetSummary(ctx, sess.ID, task.SeedSummary); err != nil {
			return "", err
		}
		sess.Summary = task.SeedSummary
	}
	userTurn, err := e.store.AppendTurn(ctx, sess.ID, session.Turn{Role: session.RoleUser, Text: task.Goal})
	if err != nil {
		return "", err
	}

	maxIterations := e.cfg.SubagentMaxIterations
	if maxIterations <= 0 {
		maxIterations = e.cfg.MaxIterations
	}
	result, err := e.run(ctx, runSpec{
		sess:          sess,
		reg:           e.registry.SubagentView(),
		maxIterations: maxIterations,
		subagent:      true,
	}, []session.Turn{userTurn}, task.Goal)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func (e *Engine) lockSession(sessionID string) func() {
	e.locksMu.Lock()
	lock, ok := e.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[sessionID] = lock
	}
	e.locksMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (e *Engine) emitError(ctx context.Context, sessionID string, err error) {
	if e.bus == nil || err == nil {
		return
	}
	meta := map[string]any{
		schema.MetaSessionID: sessionID,
		schema.MetaKind:      "loop_error",
	}
	if id := agentcontext.SubagentIDFromContext(ctx); id != "" {
		meta[schema.MetaSubagentID] = id
	}
	_, _ = e.bus.Push(ctx, eventbus.EventInput{
		Stream:    schema.StreamErrors,
		ScopeType: "session",
		ScopeID:   sessionID,
		Subject:   "loop_error",
		Body:      err.Error(),
		Metadata:  meta,
	})
}

func (e *Engine) systemPrompt(spec runSpec, iteration int) string {
	builder := prompt.NewBuilder()
	builder.Add(prompt.Block{ID: "system", Priority: 100, Content: prompt.DefaultSystemPrompt})
	if spec.subagent {
		builder.Add(prompt.Block{ID: "subagent", Priority: 90, Content: "You are running as a subagent with a restricted tool set. Complete the stated goal and reply with your findings; your reply goes to the parent agent, not the user."})
	}
	if spec.sess.Summary != "" {
		builder.Add(prompt.Block{ID: "summary", Priority: 80, Content: "Context summary:\n" + spec.sess.Summary})
	}
	if spec.breadcrumb != "" {
		builder.Add(prompt.Block{ID: "resume", Priority: 70, Content: "Resuming after interruption. Last known state: " + spec.breadcrumb})
	}
	if iteration == 1 {
		builder.Add(prompt.Block{ID: "force-tools", Priority: 60, Content: ForcedToolUseDirective})
	}
	return builder.Build()
}
