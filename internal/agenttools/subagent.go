package agenttools

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/petrelhq/petrel/internal/schema"
	"github.com/petrelhq/petrel/internal/subagent"
	"github.com/petrelhq/petrel/internal/tools"
)

type SpawnSubagentParams struct {
	Goal string `json:"goal" description:"What the subagent should accomplish, stated completely; it does not see this conversation"`
	ID   string `json:"id,omitempty" description:"Optional custom id (lowercase letters, digits, hyphens)"`
}

type ListSubagentsParams struct {
	Status string `json:"status,omitempty" description:"Filter by status: pending, running, completed, failed, cancelled"`
	Limit  int    `json:"limit,omitempty" description:"Maximum number of tasks to return"`
}

type CancelSubagentParams struct {
	ID string `json:"id" description:"Id of the subagent task to cancel"`
}

// SpawnSubagentTool starts a background subagent seeded with the session's
// compaction summary. Spawning is withheld from subagents themselves.
func SpawnSubagentTool(manager *subagent.Manager, seed func(ctx context.Context, sessionID string) string) tools.Tool {
	return tools.NewFunc(tools.Spec{
		Label:       "SpawnSubagent",
		Description: "Start a background subagent to work on a goal in parallel. Returns immediately with the task id; use list_subagents to check progress.",
		Name:        "spawn_subagent",
		Caps: tools.Capabilities{
			BuiltIn:        true,
			SubagentAccess: schema.CapabilityDenied,
		},
	}, func(ctx context.Context, ec tools.ExecutionContext, p SpawnSubagentParams) tools.Result {
		goal := strings.TrimSpace(p.Goal)
		if goal == "" {
			return tools.Errorf(tools.TagBadArgs, "goal is required")
		}
		spec := subagent.Spec{
			ID:        strings.TrimSpace(p.ID),
			Prefix:    "sub",
			SessionID: ec.SessionID,
			Goal:      goal,
		}
		if seed != nil {
			spec.SeedSummary = seed(ctx, ec.SessionID)
		}
		task, err := manager.Spawn(ctx, spec)
		if err != nil {
			if errors.Is(err, subagent.ErrCapacity) {
				return tools.Errorf(tools.TagCapacity, "all subagent slots are busy; retry after one finishes or cancel an existing task")
			}
			return tools.Errorf(tools.TagInternal, "spawn subagent: %v", err)
		}
		return tools.Result{
			Content: "spawned subagent " + task.ID,
			Payload: map[string]any{"id": task.ID, "status": string(task.Status)},
		}
	})
}

func ListSubagentsTool(manager *subagent.Manager) tools.Tool {
	return tools.NewFunc(tools.Spec{
		Label:       "ListSubagents",
		Description: "List subagent tasks with their status, result, and error.",
		Name:        "list_subagents",
		Caps: tools.Capabilities{
			BuiltIn:        true,
			SubagentAccess: schema.CapabilityFull,
		},
	}, func(ctx context.Context, ec tools.ExecutionContext, p ListSubagentsParams) tools.Result {
		filter := subagent.ListFilter{Limit: p.Limit}
		if s := strings.TrimSpace(p.Status); s != "" {
			filter.Status = subagent.Status(s)
		}
		tasksList, err := manager.List(ctx, filter)
		if err != nil {
			return tools.Errorf(tools.TagInternal, "list subagents: %v", err)
		}
		total, inUse := manager.Capacity()
		lines := make([]string, 0, len(tasksList)+1)
		for _, task := range tasksList {
			line := task.ID + " [" + string(task.Status) + "] " + firstLine(task.Goal)
			if task.Error != "" {
				line += " error: " + task.Error
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			lines = append(lines, "no subagent tasks")
		}
		return tools.Result{
			Content: strings.Join(lines, "\n"),
			Payload: map[string]any{
				"tasks":    tasksList,
				"capacity": map[string]int{"total": total, "in_use": inUse},
			},
		}
	})
}

func CancelSubagentTool(manager *subagent.Manager) tools.Tool {
	return tools.NewFunc(tools.Spec{
		Label:       "CancelSubagent",
		Description: "Cancel a pending or running subagent task.",
		Name:        "cancel_subagent",
		Caps: tools.Capabilities{
			BuiltIn:        true,
			SubagentAccess: schema.CapabilityDenied,
		},
	}, func(ctx context.Context, ec tools.ExecutionContext, p CancelSubagentParams) tools.Result {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return tools.Errorf(tools.TagBadArgs, "id is required")
		}
		if err := manager.Cancel(ctx, id); err != nil {
			if errors.Is(err, subagent.ErrNotFound) {
				return tools.Errorf(tools.TagNotFound, "subagent %s not found", id)
			}
			if errors.Is(err, subagent.ErrInvalidStatusTransition) {
				return tools.Errorf(tools.TagBadArgs, "subagent %s already finished", id)
			}
			return tools.Errorf(tools.TagInternal, "cancel subagent: %v", err)
		}
		return tools.Result{Content: "cancellation requested for " + id}
	})
}

// AwaitSubagentTool blocks briefly for a task to reach a terminal status.
type AwaitSubagentParams struct {
	ID          string `json:"id" description:"Id of the subagent task to wait for"`
	WaitSeconds int    `json:"wait_seconds" description:"Seconds to wait before returning (must be > 0)"`
}

func AwaitSubagentTool(manager *subagent.Manager) tools.Tool {
	return tools.NewFunc(tools.Spec{
		Label:       "AwaitSubagent",
		Description: "Wait for a subagent task to finish, returning its result or pending on timeout.",
		Name:        "await_subagent",
		Caps: tools.Capabilities{
			BuiltIn:        true,
			SubagentAccess: schema.CapabilityDenied,
		},
	}, func(ctx context.Context, ec tools.ExecutionContext, p AwaitSubagentParams) tools.Result {
		if strings.TrimSpace(p.ID) == "" {
			return tools.Errorf(tools.TagBadArgs, "id is required")
		}
		if p.WaitSeconds <= 0 {
			return tools.Errorf(tools.TagBadArgs, "wait_seconds must be > 0")
		}
		task, err := manager.Await(ctx, p.ID, time.Duration(p.WaitSeconds)*time.Second)
		if errors.Is(err, subagent.ErrNotFound) {
			return tools.Errorf(tools.TagNotFound, "subagent %s not found", p.ID)
		}
		if err != nil {
			// Timeout is a normal outcome; the task keeps running.
			return tools.Result{
				Content: "subagent " + p.ID + " still " + string(task.Status),
				Payload: map[string]any{"id": p.ID, "status": string(task.Status), "pending": true},
			}
		}
		payload := map[string]any{"id": task.ID, "status": string(task.Status)}
		content := "subagent " + task.ID + " " + string(task.Status)
		if task.Result != "" {
			payload["result"] = task.Result
			content += ": " + task.Result
		}
		if task.Error != "" {
			payload["error"] = task.Error
			content += ": " + task.Error
		}
		return tools.Result{Content: content, IsError: task.Status == subagent.StatusFailed, Payload: payload}
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
