package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/store"
)

// CalibrationTool handles get_calibration.
type CalibrationTool struct{ base }

// Definition returns the MCP tool definition for get_calibration.
func (t *CalibrationTool) Definition() mcp.Tool {
	return mcp.NewTool("get_calibration",
		mcp.WithDescription(
			"Show how your self-assessments compare with reality. Track 1 compares "+
				"POSTFLIGHT with PREFLIGHT; track 2 compares POSTFLIGHT with objective evidence.",
		),
		mcp.WithString("view",
			mcp.Description("summary (default), grounded, or trajectory"),
			mcp.Enum("summary", "grounded", "trajectory"),
		),
		mcp.WithString("vector",
			mcp.Description("Trajectory: restrict to one vector"),
		),
		mcp.WithNumber("track",
			mcp.Description("Trajectory: restrict to track 1 or 2"),
		),
		mcp.WithNumber("since_hours",
			mcp.Description("Trajectory: only points newer than this many hours"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Trajectory: at most this many points"),
		),
	)
}

// Handle processes the get_calibration tool call.
func (t *CalibrationTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	switch view := req.GetString("view", "summary"); view {
	case "trajectory":
		return t.trajectory(ctx, req)
	case "summary", "grounded":
		rep, err := t.app.Calibration.Report(ctx)
		if err != nil {
			return respond(app.Failure(err))
		}
		if view == "grounded" {
			return respond(app.Success(map[string]any{
				"thresholds": rep.Thresholds,
				"vectors":    rep.Grounded(),
			}))
		}
		return respond(app.Success(rep))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown view %q: must be summary, grounded or trajectory", view)), nil
	}
}

func (t *CalibrationTool) trajectory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vector := req.GetString("vector", "")
	if vector != "" && !ir.IsVectorName(vector) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown vector %q", vector)), nil
	}
	track := intArg(req, "track", 0)
	if track != 0 && track != int(ir.TrackSelf) && track != int(ir.TrackGrounded) {
		return mcp.NewToolResultError("'track' must be 1 or 2"), nil
	}

	q := store.TrajectoryQuery{
		Vector: ir.VectorName(vector),
		Track:  ir.Track(track),
		Limit:  intArg(req, "limit", 0),
	}
	if h := floatArg(req, "since_hours", 0); h > 0 {
		q.Since = time.Now().Add(-time.Duration(h * float64(time.Hour)))
	}
	rep, err := t.app.Calibration.Trajectory(ctx, q)
	if err != nil {
		return respond(app.Failure(err))
	}
	return respond(app.Success(rep))
}

// SetThresholdsTool handles set_thresholds.
type SetThresholdsTool struct{ base }

// Definition returns the MCP tool definition for set_thresholds.
func (t *SetThresholdsTool) Definition() mcp.Tool {
	return mcp.NewTool("set_thresholds",
		mcp.WithDescription("Re-tune the readiness thresholds CHECK compares corrected vectors against."),
		mcp.WithNumber("know",
			mcp.Required(),
			mcp.Description("Minimum corrected know (default 0.70)"),
		),
		mcp.WithNumber("uncertainty",
			mcp.Required(),
			mcp.Description("Maximum corrected uncertainty (default 0.35)"),
		),
	)
}

// Handle processes the set_thresholds tool call.
func (t *SetThresholdsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	th := ir.Thresholds{
		Know:        floatArg(req, "know", -1),
		Uncertainty: floatArg(req, "uncertainty", -1),
	}
	if err := t.app.Calibration.SetThresholds(ctx, th); err != nil {
		return respond(app.Failure(err))
	}
	return respond(app.Success(th))
}
