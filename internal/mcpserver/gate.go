package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/policy"
)

// AuthorizeTool handles authorize.
type AuthorizeTool struct{ base }

// Definition returns the MCP tool definition for authorize.
func (t *AuthorizeTool) Definition() mcp.Tool {
	return mcp.NewTool("authorize",
		mcp.WithDescription(
			"Ask whether a tool may run now. Noetic tools (reading, searching) are always "+
				"allowed; praxic tools need a transaction whose last CHECK said proceed.",
		),
		mcp.WithString("tool",
			mcp.Required(),
			mcp.Description("Tool name, e.g. Read, Edit, Bash"),
		),
		mcp.WithString("kind",
			mcp.Description("Override the classification"),
			mcp.Enum(string(policy.KindNoetic), string(policy.KindPraxic)),
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

// Handle processes the authorize tool call.
func (t *AuthorizeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tool := req.GetString("tool", "")
	if tool == "" {
		return mcp.NewToolResultError("'tool' is required"), nil
	}
	kind := policy.Kind(req.GetString("kind", ""))
	if kind != "" && kind != policy.KindNoetic && kind != policy.KindPraxic {
		return mcp.NewToolResultError(fmt.Sprintf("invalid kind %q: must be noetic or praxic", kind)), nil
	}

	d := t.app.Gate.Authorize(ctx, t.who(req), policy.Action{
		Tool:            tool,
		Kind:            kind,
		TransactionID:   req.GetString("transaction_id", ""),
		SessionOverride: req.GetString("session_id", ""),
	})
	return respond(app.Authorization(d))
}
