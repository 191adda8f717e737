package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/resolver"
)

// ContextOptions holds flags for resolve-context.
type ContextOptions struct {
	*RootOptions
	TransactionID string
	SessionID     string
	Bind          string
	Clear         bool
}

// NewResolveContextCommand creates the resolve-context command.
func NewResolveContextCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ContextOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve-context",
		Short: "Show the session and transaction this identity resolves to",
		Long: `Resolve the execution identity to its live session and transaction and
report readiness.

Resolution order: the transaction record, then the identity's pointer,
then --session. The working directory is never consulted.

--bind points the identity at an existing session; --clear removes the
pointer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, opts.resolve)
		},
	}

	cmd.Flags().StringVar(&opts.TransactionID, "transaction", "", "resolve this transaction")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session override when nothing else resolves")
	cmd.Flags().StringVar(&opts.Bind, "bind", "", "bind the identity to this session")
	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "clear the identity's pointer")
	cmd.MarkFlagsMutuallyExclusive("bind", "clear")
	return cmd
}

func (o *ContextOptions) resolve(ctx context.Context, a *app.App) app.Result {
	identity := o.identity()
	switch {
	case o.Clear:
		if err := a.Resolver.Clear(ctx, identity); err != nil {
			return app.Failure(err)
		}
		return app.Success(map[string]any{"execution_identity": identity, "cleared": true})
	case o.Bind != "":
		if err := a.Resolver.Bind(ctx, ir.ActiveContext{ExecutionIdentity: identity, SessionID: o.Bind}); err != nil {
			return app.Failure(err)
		}
	}

	st, err := a.Engine.Status(ctx, identity, resolver.Hints{
		TransactionID:   o.TransactionID,
		SessionOverride: o.SessionID,
	})
	if err != nil {
		return app.Failure(err)
	}
	return app.Success(st)
}
