package engine

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/petrelhq/petrel/internal/ai"
	"github.com/petrelhq/petrel/internal/budget"
	"github.com/petrelhq/petrel/internal/guard"
	"github.com/petrelhq/petrel/internal/session"
	"github.com/petrelhq/petrel/internal/tools"
)

type runSpec struct {
	sess          session.Session
	reg           *tools.Registry
	maxIterations int
	notify        bool
	subagent      bool
	breadcrumb    string
}

// run is the loop shared by external runs and subagent runs. It owns the
// phase machine for the duration and always leaves it in a terminal phase.
func (e *Engine) run(ctx context.Context, spec runSpec, working []session.Turn, lastUserMessage string) (*RunResult, error) {
	fsm := newPhaseMachine()
	corrections := guard.NewCorrectionState(e.cfg.MaxCorrections)
	invoked := map[string]bool{}
	toolbox := spec.reg.Toolbox()
	knownTools := spec.reg.Names()
	compactRetried := false
	nudged := false

	if !spec.subagent {
		spec.breadcrumb = e.checkpoints.ResumeBreadcrumb(ctx, spec.sess.ID)
	}

	if err := fsm.To(PhaseIterating); err != nil {
		return nil, e.finishFailed(ctx, fsm, spec, err)
	}

	for iteration := 1; iteration <= spec.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, e.finishAborted(ctx, fsm, spec, err)
		}

		// The overflow retry rewinds iteration, so the boundary can be
		// crossed twice; the nudge still lands at most once.
		if iteration == e.cfg.wrapUpIteration() && !nudged {
			nudged = true
			var err error
			working, err = e.appendTurn(ctx, spec, working, session.Turn{Role: session.RoleSystem, Text: WrapUpNudge})
			if err != nil {
				return nil, e.finishFailed(ctx, fsm, spec, err)
			}
		}

		if err := e.checkBudget(ctx, spec.sess.ID); err != nil {
			return nil, e.finishFailed(ctx, fsm, spec, err)
		}
		e.sendTyping(ctx, spec)

		system := e.systemPrompt(spec, iteration)
		resp, err := e.client.Chat(ctx, ai.ChatRequest{
			System:   system,
			Messages: ai.MessagesFromTurns(working),
			Toolbox:  toolbox,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, e.finishAborted(ctx, fsm, spec, ctx.Err())
			}
			if ai.IsContextOverflow(err) && !compactRetried {
				compactRetried = true
				compacted, cErr := e.checkpoints.Compact(ctx, spec.sess.ID, working)
				if cErr == nil {
					working = compacted
					iteration--
					continue
				}
			}
			return nil, e.finishFailed(ctx, fsm, spec, err)
		}
		e.recordUsage(ctx, spec.sess.ID, system, working, resp)

		if resp.HasToolCalls() {
			if err := fsm.To(PhaseDispatching); err != nil {
				return nil, e.finishFailed(ctx, fsm, spec, err)
			}
			assistant := ai.TurnFromResponse(resp)
			working, err = e.appendTurn(ctx, spec, working, assistant)
			if err != nil {
				return nil, e.finishFailed(ctx, fsm, spec, err)
			}

			results, derr := e.dispatch(ctx, spec, assistant.ToolCalls)
			if derr != nil {
				return nil, e.finishAborted(ctx, fsm, spec, derr)
			}
			for i, call := range assistant.ToolCalls {
				invoked[call.Name] = true
				working, err = e.appendTurn(ctx, spec, working, session.Turn{
					Role:       session.RoleToolResult,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Text:       results[i].Content,
					IsError:    results[i].IsError,
				})
				if err != nil {
					return nil, e.finishFailed(ctx, fsm, spec, err)
				}
			}

			if _, msg := e.checkpoints.ObserveToolCalls(spec.sess.ID, len(assistant.ToolCalls)); msg != "" {
				working, err = e.appendTurn(ctx, spec, working, session.Turn{Role: session.RoleSystem, Text: msg})
				if err != nil {
					return nil, e.finishFailed(ctx, fsm, spec, err)
				}
			}
			breadcrumb := fmt.Sprintf("iteration %d, last tool %s", iteration, assistant.ToolCalls[len(assistant.ToolCalls)-1].Name)
			if _, err := e.checkpoints.ObserveIteration(ctx, spec.sess.ID, iteration, lastUserMessage, breadcrumb); err != nil {
				return nil, e.finishFailed(ctx, fsm, spec, err)
			}
			working, _, err = e.checkpoints.MaybeCompact(ctx, spec.sess.ID, working)
			if err != nil {
				return nil, e.finishFailed(ctx, fsm, spec, err)
			}
			if spec.sess.Summary == "" {
				if sess, err := e.store.GetSession(ctx, spec.sess.ID); err == nil {
					spec.sess.Summary = sess.Summary
				}
			}

			if err := fsm.To(PhaseIterating); err != nil {
				return nil, e.finishFailed(ctx, fsm, spec, err)
			}
			continue
		}

		finding := e.integrity.Inspect(resp.Text, sortedKeys(invoked), knownTools)
		if finding.Flagged && corrections.TryIncrement() {
			working, err = e.appendTurn(ctx, spec, working, session.Turn{
				Role: session.RoleSystem,
				Text: e.integrity.CorrectionMessage(finding),
			})
			if err != nil {
				return nil, e.finishFailed(ctx, fsm, spec, err)
			}
			continue
		}

		return e.finalize(ctx, fsm, spec, working, resp.Text, iteration, corrections.Count())
	}

	// Budget spent without a final answer: one last call with tools
	// withheld so the model must answer in text.
	text, err := e.finalAnswer(ctx, spec, working)
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.finishAborted(ctx, fsm, spec, ctx.Err())
		}
		return nil, e.finishFailed(ctx, fsm, spec, err)
	}
	return e.finalize(ctx, fsm, spec, working, text, spec.maxIterations, corrections.Count())
}

func (e *Engine) finalize(ctx context.Context, fsm *phaseMachine, spec runSpec, working []session.Turn, text string, iterations, corrections int) (*RunResult, error) {
	if err := fsm.To(PhaseFinalizing); err != nil {
		return nil, e.finishFailed(ctx, fsm, spec, err)
	}
	if _, err := e.appendTurn(ctx, spec, working, session.Turn{Role: session.RoleAssistant, Text: text}); err != nil {
		return nil, e.finishFailed(ctx, fsm, spec, err)
	}
	if spec.notify && e.sink != nil {
		if err := e.sink.SendText(ctx, spec.sess.ChannelID, spec.sess.ID, text); err != nil {
			e.emitError(ctx, spec.sess.ID, fmt.Errorf("send reply: %w", err))
		}
	}
	if err := fsm.To(PhaseDone); err != nil {
		return nil, e.finishFailed(ctx, fsm, spec, err)
	}
	return &RunResult{Text: text, Iterations: iterations, Corrections: corrections}, nil
}

// finalAnswer asks for plain text with no toolbox attached.
func (e *Engine) finalAnswer(ctx context.Context, spec runSpec, working []session.Turn) (string, error) {
	working, err := e.appendTurn(ctx, spec, working, session.Turn{Role: session.RoleSystem, Text: finalAnswerDirective})
	if err != nil {
		return "", err
	}
	resp, err := e.client.Chat(ctx, ai.ChatRequest{
		System:   e.systemPrompt(spec, spec.maxIterations),
		Messages: ai.MessagesFromTurns(working),
	})
	if err != nil {
		return "", err
	}
	e.recordUsage(ctx, spec.sess.ID, "", working, resp)
	return resp.Text, nil
}

// dispatch fans tool calls out in parallel and returns results indexed by
// call position, so the merge preserves issue order regardless of which
// call finished first. On cancellation the partial results are discarded
// by the caller.
func (e *Engine) dispatch(ctx context.Context, spec runSpec, calls []session.ToolCall) ([]tools.Result, error) {
	ec := tools.ExecutionContext{
		ChannelID:      spec.sess.ChannelID,
		SessionID:      spec.sess.ID,
		ContextSummary: spec.sess.Summary,
	}
	results := make([]tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = spec.reg.Dispatch(gctx, ec, call)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) appendTurn(ctx context.Context, spec runSpec, working []session.Turn, turn session.Turn) ([]session.Turn, error) {
	saved, err := e.store.AppendTurn(ctx, spec.sess.ID, turn)
	if err != nil {
		return working, fmt.Errorf("append %s turn: %w", turn.Role, err)
	}
	return append(working, saved), nil
}

func (e *Engine) checkBudget(ctx context.Context, sessionID string) error {
	if e.gate == nil {
		return nil
	}
	if err := e.gate.CheckAllowed(ctx, sessionID); err != nil {
		return fmt.Errorf("budget gate: %w", err)
	}
	return nil
}

func (e *Engine) recordUsage(ctx context.Context, sessionID, system string, working []session.Turn, resp *ai.ChatResponse) {
	if e.gate == nil || resp == nil {
		return
	}
	usage := budget.Usage{
		PromptTokens:     estimateText(system) + estimateTurns(working),
		CompletionTokens: estimateText(resp.Text),
	}
	if err := e.gate.RecordUsage(ctx, sessionID, usage); err != nil {
		e.emitError(ctx, sessionID, fmt.Errorf("record usage: %w", err))
	}
}

func (e *Engine) sendTyping(ctx context.Context, spec runSpec) {
	if !spec.notify || e.sink == nil {
		return
	}
	if err := e.sink.SendTyping(ctx, spec.sess.ChannelID, spec.sess.ID); err != nil {
		e.emitError(ctx, spec.sess.ID, fmt.Errorf("send typing: %w", err))
	}
}

func (e *Engine) finishAborted(ctx context.Context, fsm *phaseMachine, spec runSpec, cause error) error {
	_ = fsm.To(PhaseAborted)
	err := &RunError{Phase: PhaseAborted, Err: cause}
	e.emitError(ctx, spec.sess.ID, err)
	return err
}

func (e *Engine) finishFailed(ctx context.Context, fsm *phaseMachine, spec runSpec, cause error) error {
	_ = fsm.To(PhaseFailed)
	err := &RunError{Phase: PhaseFailed, Err: cause}
	e.emitError(ctx, spec.sess.ID, err)
	return err
}

func estimateTurns(turns []session.Turn) int {
	total := 0
	for _, turn := range turns {
		total += estimateText(turn.Text)
	}
	return total
}

func estimateText(s string) int {
	return len(s) / 4
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
