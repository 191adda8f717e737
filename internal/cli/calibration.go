package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/store"
)

// CalibrationOptions holds flags for get-calibration.
type CalibrationOptions struct {
	*RootOptions
	Grounded   bool
	Trajectory bool
	Vector     string
	Track      int
	Since      time.Duration
	Limit      int
}

// NewCalibrationCommand creates the get-calibration command.
func NewCalibrationCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CalibrationOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get-calibration",
		Short: "Show calibration for both tracks",
		Long: `Show the per-vector calibration record.

Track 1 compares POSTFLIGHT with PREFLIGHT. Track 2 compares POSTFLIGHT
with objective evidence and exists only for groundable vectors.

Examples:
  epi get-calibration
  epi get-calibration --grounded
  epi get-calibration --trajectory --vector know --track 2 --since 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Grounded && opts.Trajectory {
				return NewExitError(ExitCommandError, "--grounded and --trajectory are mutually exclusive")
			}
			if opts.Vector != "" && !ir.IsVectorName(opts.Vector) {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown vector %q", opts.Vector))
			}
			if opts.Track != 0 && opts.Track != int(ir.TrackSelf) && opts.Track != int(ir.TrackGrounded) {
				return NewExitError(ExitCommandError, "--track must be 1 or 2")
			}
			return opts.run(cmd, opts.report)
		},
	}

	cmd.Flags().BoolVar(&opts.Grounded, "grounded", false, "only vectors with evidence-grounded samples")
	cmd.Flags().BoolVar(&opts.Trajectory, "trajectory", false, "show calibration history and trends")
	cmd.Flags().StringVar(&opts.Vector, "vector", "", "trajectory: restrict to one vector")
	cmd.Flags().IntVar(&opts.Track, "track", 0, "trajectory: restrict to track 1 or 2")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "trajectory: only points newer than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "trajectory: at most this many points")
	return cmd
}

func (o *CalibrationOptions) report(ctx context.Context, a *app.App) app.Result {
	if o.Trajectory {
		q := store.TrajectoryQuery{
			Vector: ir.VectorName(o.Vector),
			Track:  ir.Track(o.Track),
			Limit:  o.Limit,
		}
		if o.Since > 0 {
			q.Since = time.Now().Add(-o.Since)
		}
		rep, err := a.Calibration.Trajectory(ctx, q)
		if err != nil {
			return app.Failure(err)
		}
		return app.Success(rep)
	}

	rep, err := a.Calibration.Report(ctx)
	if err != nil {
		return app.Failure(err)
	}
	if o.Grounded {
		return app.Success(map[string]any{
			"thresholds": rep.Thresholds,
			"vectors":    rep.Grounded(),
		})
	}
	return app.Success(rep)
}

// NewSetThresholdsCommand creates the set-thresholds command.
func NewSetThresholdsCommand(rootOpts *RootOptions) *cobra.Command {
	var know, uncertainty float64

	cmd := &cobra.Command{
		Use:   "set-thresholds",
		Short: "Re-tune the CHECK readiness thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			th := ir.Thresholds{Know: know, Uncertainty: uncertainty}
			return rootOpts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				if err := a.Calibration.SetThresholds(ctx, th); err != nil {
					return app.Failure(err)
				}
				return app.Success(th)
			})
		},
	}

	cmd.Flags().Float64Var(&know, "know", 0.70, "minimum corrected know")
	cmd.Flags().Float64Var(&uncertainty, "uncertainty", 0.35, "maximum corrected uncertainty")
	return cmd
}
