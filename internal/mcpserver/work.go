package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/engine"
	"github.com/roach88/epistemic/internal/ir"
)

// LogTool handles log.
type LogTool struct{ base }

// Definition returns the MCP tool definition for log.
func (t *LogTool) Definition() mcp.Tool {
	return mcp.NewTool("log",
		mcp.WithDescription(
			"Record what investigation turned up. Findings and unknowns logged during a "+
				"transaction show that a CHECK was preceded by real investigation.",
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("finding, unknown, dead_end or resolved"),
			mcp.Enum(string(ir.ArtifactFinding), string(ir.ArtifactUnknown), string(ir.ArtifactDeadEnd), string(ir.ArtifactResolved)),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("What you found or still do not know"),
		),
		mcp.WithString("subtask_id",
			mcp.Description("Subtask the artifact belongs to"),
		),
		mcp.WithString("transaction_id",
			mcp.Description("Transaction id (default: resolved from your identity)"),
		),
		mcp.WithString("session_id",
			mcp.Description("Session override, used only when nothing else resolves"),
		),
		mcp.WithString("identity",
			mcp.Description("Execution identity (default: the server's)"),
		),
	)
}

// Handle processes the log tool call.
func (t *LogTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := ir.ArtifactKind(req.GetString("kind", ""))
	text := req.GetString("text", "")
	if !kind.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown artifact kind %q: must be finding, unknown, dead_end or resolved", kind)), nil
	}
	if text == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}

	art, err := t.app.Engine.LogArtifact(ctx, engine.ArtifactRequest{
		Identity:        t.who(req),
		TransactionID:   req.GetString("transaction_id", ""),
		SessionOverride: req.GetString("session_id", ""),
		SubtaskID:       req.GetString("subtask_id", ""),
		Kind:            kind,
		Text:            text,
	})
	if err != nil {
		return respond(app.Failure(err))
	}
	return respond(app.Success(art))
}

// GoalTool handles goal.
type GoalTool struct{ base }

// Definition returns the MCP tool definition for goal.
func (t *GoalTool) Definition() mcp.Tool {
	return mcp.NewTool("goal",
		mcp.WithDescription(
			"Manage the session's goals and subtasks. Completed subtasks are objective "+
				"evidence for the completion vector.",
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("create, add_subtask, complete, set_status or list"),
			mcp.Enum("create", "add_subtask", "complete", "set_status", "list"),
		),
		mcp.WithString("objective",
			mcp.Description("create: the goal's objective"),
		),
		mcp.WithString("scope",
			mcp.Description("create: what the goal covers"),
		),
		mcp.WithString("goal_id",
			mcp.Description("add_subtask, set_status: the goal"),
		),
		mcp.WithString("subtask_id",
			mcp.Description("complete, set_status: the subtask"),
		),
		mcp.WithString("description",
			mcp.Description("add_subtask: what the subtask is"),
		),
		mcp.WithString("status",
			mcp.Description("set_status: open, completed or abandoned"),
			mcp.Enum(string(ir.GoalOpen), string(ir.GoalCompleted), string(ir.GoalAbandoned)),
		),
		mcp.WithString("session_id",
			mcp.Description("Session override, used only when nothing else resolves"),
		),
		mcp.WithString("identity",
			mcp.Description("Execution identity (default: the server's)"),
		),
	)
}

// Handle processes the goal tool call.
func (t *GoalTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	goalID := req.GetString("goal_id", "")
	subtaskID := req.GetString("subtask_id", "")

	switch action := req.GetString("action", ""); action {
	case "create":
		objective := req.GetString("objective", "")
		if objective == "" {
			return mcp.NewToolResultError("'objective' is required for create"), nil
		}
		g, err := t.app.Engine.CreateGoal(ctx, t.who(req), sessionID, objective, req.GetString("scope", ""))
		if err != nil {
			return respond(app.Failure(err))
		}
		return respond(app.Success(g))

	case "add_subtask":
		desc := req.GetString("description", "")
		if goalID == "" || desc == "" {
			return mcp.NewToolResultError("'goal_id' and 'description' are required for add_subtask"), nil
		}
		st, err := t.app.Engine.AddSubtask(ctx, goalID, desc)
		if err != nil {
			return respond(app.Failure(err))
		}
		return respond(app.Success(st))

	case "complete":
		if subtaskID == "" {
			return mcp.NewToolResultError("'subtask_id' is required for complete"), nil
		}
		if err := t.app.Engine.CompleteSubtask(ctx, subtaskID); err != nil {
			return respond(app.Failure(err))
		}
		return respond(app.Success(map[string]any{"subtask_id": subtaskID, "status": ir.GoalCompleted}))

	case "set_status":
		status := ir.GoalStatus(req.GetString("status", ""))
		var err error
		switch {
		case subtaskID != "":
			err = t.app.Engine.SetSubtaskStatus(ctx, subtaskID, status)
		case goalID != "":
			err = t.app.Engine.SetGoalStatus(ctx, goalID, status)
		default:
			return mcp.NewToolResultError("'goal_id' or 'subtask_id' is required for set_status"), nil
		}
		if err != nil {
			return respond(app.Failure(err))
		}
		id := goalID
		if subtaskID != "" {
			id = subtaskID
		}
		return respond(app.Success(map[string]any{"id": id, "status": status}))

	case "list":
		goals, err := t.app.Engine.Goals(ctx, t.who(req), sessionID)
		if err != nil {
			return respond(app.Failure(err))
		}
		return respond(app.Success(goals))

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
}
