package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/engine"
	"github.com/roach88/epistemic/internal/ir"
)

// SubmitOptions holds flags shared by the three phase commands.
type SubmitOptions struct {
	*RootOptions
	Vectors       string
	Reasoning     string
	Metadata      string
	SessionID     string
	TransactionID string
	ProjectPath   string
	Parallel      bool
}

func (o *SubmitOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Vectors, "vectors", "-", "vector JSON: literal, @file, or - for stdin")
	cmd.Flags().StringVar(&o.Reasoning, "reasoning", "", "free-text reasoning")
	cmd.Flags().StringVar(&o.Metadata, "metadata", "", "metadata JSON object")
	cmd.Flags().StringVar(&o.SessionID, "session", "", "session id (override when nothing else resolves)")
}

// parse reads vectors and metadata. Malformed input becomes a result so
// callers see invalid_vector rather than a usage error.
func (o *SubmitOptions) parse(cmd *cobra.Command) (ir.VectorSet, map[string]any, *app.Result, error) {
	data, err := readInput(cmd, o.Vectors)
	if err != nil {
		return ir.VectorSet{}, nil, nil, WrapExitError(ExitCommandError, "read vectors", err)
	}
	vs, err := ir.ParseVectorSet(data)
	if err != nil {
		r := app.Failure(err)
		return ir.VectorSet{}, nil, &r, nil
	}

	var meta map[string]any
	if o.Metadata != "" {
		if err := json.Unmarshal([]byte(o.Metadata), &meta); err != nil {
			r := app.Failure(&ir.ValidationError{
				Fields:  []string{"metadata"},
				Message: fmt.Sprintf("metadata must be a JSON object: %v", err),
			})
			return ir.VectorSet{}, nil, &r, nil
		}
	}
	return vs, meta, nil, nil
}

// submit parses input, then runs fn against an open engine.
func (o *SubmitOptions) submit(cmd *cobra.Command, fn func(context.Context, *app.App, ir.VectorSet, map[string]any) app.Result) error {
	vs, meta, rejected, err := o.parse(cmd)
	if err != nil {
		return err
	}
	if rejected != nil {
		return o.formatter(cmd).Emit(*rejected)
	}
	return o.run(cmd, func(ctx context.Context, a *app.App) app.Result {
		return fn(ctx, a, vs, meta)
	})
}

// NewPreflightCommand creates the submit-preflight command.
func NewPreflightCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit-preflight",
		Short: "Open a transaction with a baseline self-assessment",
		Long: `Record the thirteen epistemic vectors before starting a unit of work.

A new session is started unless --session names one or the identity is
already bound to one.

Examples:
  epi submit-preflight --vectors @pre.json --reasoning "new to this module"
  echo '{"know":0.4,...}' | epi submit-preflight`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.submit(cmd, func(ctx context.Context, a *app.App, vs ir.VectorSet, meta map[string]any) app.Result {
				res, err := a.Engine.Preflight(ctx, engine.PreflightRequest{
					Identity:    opts.identity(),
					SessionID:   opts.SessionID,
					ProjectPath: opts.ProjectPath,
					Vectors:     vs,
					Reasoning:   opts.Reasoning,
					Metadata:    meta,
					Parallel:    opts.Parallel,
				})
				if err != nil {
					return app.Failure(err)
				}
				return app.Success(res)
			})
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.ProjectPath, "project", "", "project path recorded on the session")
	cmd.Flags().BoolVar(&opts.Parallel, "parallel", false, "allow this transaction alongside other open ones")
	return cmd
}

// NewCheckCommand creates the submit-check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit-check",
		Short: "Ask whether the open transaction is ready for praxic work",
		Long: `Record a CHECK. The answer is proceed or investigate.

A CHECK claiming readiness moments after PREFLIGHT with no findings or
unknowns logged is recorded as investigate and reported as
rushed_assessment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.submit(cmd, func(ctx context.Context, a *app.App, vs ir.VectorSet, meta map[string]any) app.Result {
				res, err := a.Engine.Check(ctx, engine.CheckRequest{
					Identity:        opts.identity(),
					TransactionID:   opts.TransactionID,
					SessionOverride: opts.SessionID,
					Vectors:         vs,
					Reasoning:       opts.Reasoning,
					Metadata:        meta,
				})
				if err != nil {
					return app.Failure(err)
				}
				return app.CheckOutcome(res)
			})
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.TransactionID, "transaction", "", "transaction id (default resolved)")
	return cmd
}

// NewPostflightCommand creates the submit-postflight command.
func NewPostflightCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit-postflight",
		Short: "Close the transaction and report the learning delta",
		Long: `Record the closing self-assessment. The delta against PREFLIGHT is
returned and fed to calibration; evidence is then collected in the
background. Repeating POSTFLIGHT returns the original delta.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.submit(cmd, func(ctx context.Context, a *app.App, vs ir.VectorSet, meta map[string]any) app.Result {
				res, err := a.Engine.Postflight(ctx, engine.PostflightRequest{
					Identity:        opts.identity(),
					TransactionID:   opts.TransactionID,
					SessionOverride: opts.SessionID,
					Vectors:         vs,
					Reasoning:       opts.Reasoning,
					Metadata:        meta,
				})
				if err != nil {
					return app.Failure(err)
				}
				return app.Success(res)
			})
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.TransactionID, "transaction", "", "transaction id (default resolved)")
	return cmd
}
