// Package mcpserver exposes the epistemic engine as MCP tools over stdio.
//
// Every tool answers with the same JSON document the CLI prints:
// {ok, data, error_type, message, next_step}. A result with ok=false is
// flagged as a tool error so clients surface it.
package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/roach88/epistemic/internal/app"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Tool is the shape every handler in this package has.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// New creates the MCP server with every tool registered. identity is the
// execution identity used when a call does not name one.
func New(a *app.App, identity string) *server.MCPServer {
	s := server.NewMCPServer(
		"epistemic",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range Tools(a, identity) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s
}

// Tools returns the handlers New registers.
func Tools(a *app.App, identity string) []Tool {
	b := base{app: a, identity: identity}
	return []Tool{
		&PreflightTool{b},
		&CheckTool{b},
		&PostflightTool{b},
		&CalibrationTool{b},
		&SetThresholdsTool{b},
		&ResolveContextTool{b},
		&LogTool{b},
		&GoalTool{b},
		&AuthorizeTool{b},
		&FlushTool{b},
		&ExportTool{b},
	}
}

const instructions = `Epistemic transactions for this agent.

Before a unit of work call submit_preflight with your honest self-assessment
of the thirteen vectors. Investigate with noetic tools and record what you
learn with log. Call submit_check before editing or running anything; act
only on decision "proceed". When the work is done call submit_postflight to
close the transaction and see what you learned.

authorize tells you whether a tool may run now. get_calibration shows how
your self-assessments compare with what actually happened.`
