package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/roach88/epistemic/internal/app"
)

// FlushTool handles flush.
type FlushTool struct{ base }

// Definition returns the MCP tool definition for flush.
func (t *FlushTool) Definition() mcp.Tool {
	return mcp.NewTool("flush",
		mcp.WithDescription("Re-publish assessments the audit log has not confirmed."),
	)
}

// Handle processes the flush tool call.
func (t *FlushTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := t.app.Flush(ctx)
	if err != nil {
		return respond(app.Failure(err))
	}
	return respond(app.Success(rep))
}

// ExportTool handles export.
type ExportTool struct{ base }

// Definition returns the MCP tool definition for export.
func (t *ExportTool) Definition() mcp.Tool {
	return mcp.NewTool("export",
		mcp.WithDescription(
			"Export a session with its transactions, assessments, goals and artifacts. "+
				"With write=true the document goes to the export directory and its path is returned.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to export"),
		),
		mcp.WithBoolean("write",
			mcp.Description("Write to the export directory instead of returning the document"),
		),
	)
}

// Handle processes the export tool call.
func (t *ExportTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	if boolArg(req, "write", false) {
		path, err := t.app.Backend.ExportSession(ctx, sessionID)
		if err != nil {
			return respond(app.Failure(err))
		}
		return respond(app.Success(map[string]any{"session_id": sessionID, "path": path}))
	}
	snap, err := t.app.Backend.Snapshot(ctx, sessionID)
	if err != nil {
		return respond(app.Failure(err))
	}
	return respond(app.Success(snap))
}
