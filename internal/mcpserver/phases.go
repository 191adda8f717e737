package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/engine"
	"github.com/roach88/epistemic/internal/ir"
)

const vectorsDescription = "All thirteen vectors in [0,1]: engagement, know, do, context, clarity, " +
	"coherence, signal, density, state, change, completion, impact, uncertainty"

// phaseOptions are the arguments the three phase tools share.
func phaseOptions(extra ...mcp.ToolOption) []mcp.ToolOption {
	opts := []mcp.ToolOption{
		mcp.WithObject("vectors",
			mcp.Required(),
			mcp.Description(vectorsDescription),
		),
		mcp.WithString("reasoning",
			mcp.Description("Why you rate yourself this way"),
		),
		mcp.WithObject("metadata",
			mcp.Description("Free-form metadata stored with the assessment"),
		),
		mcp.WithString("session_id",
			mcp.Description("Session override, used only when nothing else resolves"),
		),
		mcp.WithString("identity",
			mcp.Description("Execution identity (default: the server's)"),
		),
	}
	return append(opts, extra...)
}

// phaseInputs reads vectors and metadata. A non-nil result is the
// rejection to return.
func phaseInputs(req mcp.CallToolRequest) (ir.VectorSet, map[string]any, *app.Result) {
	vs, err := vectorsArg(req)
	if err != nil {
		r := app.Failure(err)
		return ir.VectorSet{}, nil, &r
	}
	meta, err := metadataArg(req)
	if err != nil {
		r := app.Failure(err)
		return ir.VectorSet{}, nil, &r
	}
	return vs, meta, nil
}

// PreflightTool handles submit_preflight.
type PreflightTool struct{ base }

// Definition returns the MCP tool definition for submit_preflight.
func (t *PreflightTool) Definition() mcp.Tool {
	return mcp.NewTool("submit_preflight", phaseOptions(
		mcp.WithDescription(
			"Open an epistemic transaction with your baseline self-assessment. "+
				"Call this before starting a unit of work.",
		),
		mcp.WithString("project_path",
			mcp.Description("Project path recorded on a new session"),
		),
		mcp.WithBoolean("parallel",
			mcp.Description("Allow this transaction alongside other open ones"),
		),
	)...)
}

// Handle processes the submit_preflight tool call.
func (t *PreflightTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vs, meta, rejected := phaseInputs(req)
	if rejected != nil {
		return respond(*rejected)
	}
	res, err := t.app.Engine.Preflight(ctx, engine.PreflightRequest{
		Identity:    t.who(req),
		SessionID:   req.GetString("session_id", ""),
		ProjectPath: req.GetString("project_path", ""),
		Vectors:     vs,
		Reasoning:   req.GetString("reasoning", ""),
		Metadata:    meta,
		Parallel:    boolArg(req, "parallel", false),
	})
	if err != nil {
		return respond(app.Failure(err))
	}
	return respond(app.Success(res))
}

// CheckTool handles submit_check.
type CheckTool struct{ base }

// Definition returns the MCP tool definition for submit_check.
func (t *CheckTool) Definition() mcp.Tool {
	return mcp.NewTool("submit_check", phaseOptions(
		mcp.WithDescription(
			"Ask whether you are ready for praxic work (edits, commands). "+
				"Act only when decision is \"proceed\". Log findings or unknowns before "+
				"claiming readiness or the CHECK is treated as rushed.",
		),
		mcp.WithString("transaction_id",
			mcp.Description("Transaction id (default: resolved from your identity)"),
		),
	)...)
}

// Handle processes the submit_check tool call.
func (t *CheckTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vs, meta, rejected := phaseInputs(req)
	if rejected != nil {
		return respond(*rejected)
	}
	res, err := t.app.Engine.Check(ctx, engine.CheckRequest{
		Identity:        t.who(req),
		TransactionID:   req.GetString("transaction_id", ""),
		SessionOverride: req.GetString("session_id", ""),
		Vectors:         vs,
		Reasoning:       req.GetString("reasoning", ""),
		Metadata:        meta,
	})
	if err != nil {
		return respond(app.Failure(err))
	}
	return respond(app.CheckOutcome(res))
}

// PostflightTool handles submit_postflight.
type PostflightTool struct{ base }

// Definition returns the MCP tool definition for submit_postflight.
func (t *PostflightTool) Definition() mcp.Tool {
	return mcp.NewTool("submit_postflight", phaseOptions(
		mcp.WithDescription(
			"Close the transaction with your final self-assessment. Returns the "+
				"learning delta against PREFLIGHT. Repeating it returns the original delta.",
		),
		mcp.WithString("transaction_id",
			mcp.Description("Transaction id (default: resolved from your identity)"),
		),
	)...)
}

// Handle processes the submit_postflight tool call.
func (t *PostflightTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vs, meta, rejected := phaseInputs(req)
	if rejected != nil {
		return respond(*rejected)
	}
	res, err := t.app.Engine.Postflight(ctx, engine.PostflightRequest{
		Identity:        t.who(req),
		TransactionID:   req.GetString("transaction_id", ""),
		SessionOverride: req.GetString("session_id", ""),
		Vectors:         vs,
		Reasoning:       req.GetString("reasoning", ""),
		Metadata:        meta,
	})
	if err != nil {
		return respond(app.Failure(err))
	}
	return respond(app.Success(res))
}
