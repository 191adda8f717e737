package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/resolver"
)

// ResolveContextTool handles resolve_context.
type ResolveContextTool struct{ base }

// Definition returns the MCP tool definition for resolve_context.
func (t *ResolveContextTool) Definition() mcp.Tool {
	return mcp.NewTool("resolve_context",
		mcp.WithDescription(
			"Show the session and transaction your identity resolves to, with readiness. "+
				"bind_session points the identity at an existing session; clear removes the pointer.",
		),
		mcp.WithString("transaction_id",
			mcp.Description("Resolve this transaction"),
		),
		mcp.WithString("session_id",
			mcp.Description("Session override, used only when nothing else resolves"),
		),
		mcp.WithString("bind_session",
			mcp.Description("Bind the identity to this session first"),
		),
		mcp.WithBoolean("clear",
			mcp.Description("Clear the identity's pointer"),
		),
		mcp.WithString("identity",
			mcp.Description("Execution identity (default: the server's)"),
		),
	)
}

// Handle processes the resolve_context tool call.
func (t *ResolveContextTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity := t.who(req)
	bind := req.GetString("bind_session", "")
	clearPtr := boolArg(req, "clear", false)
	if bind != "" && clearPtr {
		return mcp.NewToolResultError("'bind_session' and 'clear' are mutually exclusive"), nil
	}

	switch {
	case clearPtr:
		if err := t.app.Resolver.Clear(ctx, identity); err != nil {
			return respond(app.Failure(err))
		}
		return respond(app.Success(map[string]any{"execution_identity": identity, "cleared": true}))
	case bind != "":
		if err := t.app.Resolver.Bind(ctx, ir.ActiveContext{ExecutionIdentity: identity, SessionID: bind}); err != nil {
			return respond(app.Failure(err))
		}
	}

	st, err := t.app.Engine.Status(ctx, identity, resolver.Hints{
		TransactionID:   req.GetString("transaction_id", ""),
		SessionOverride: req.GetString("session_id", ""),
	})
	if err != nil {
		return respond(app.Failure(err))
	}
	return respond(app.Success(st))
}
