package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/policy"
)

// AuthorizeOptions holds flags for the authorize command.
type AuthorizeOptions struct {
	*RootOptions
	Kind          string
	TransactionID string
	SessionID     string
	Hook          bool
}

// hookPayload is the tool-use event an agent runtime pipes to a pre-tool hook.
type hookPayload struct {
	ToolName string `json:"tool_name"`
}

// NewAuthorizeCommand creates the authorize command.
func NewAuthorizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuthorizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "authorize [tool]",
		Short: "Ask the policy gate whether an action may run",
		Long: `Classify the tool as noetic or praxic and, for praxic tools, check the
readiness of the identity's transaction.

Exit status is 1 when the action must not run. In observer mode denials
are reported but never block.

With --hook the tool name is read from a JSON event on stdin
({"tool_name": "Edit", ...}), so the command can run as a pre-tool hook.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tool, err := opts.tool(cmd, args)
			if err != nil {
				return err
			}
			kind := policy.Kind(opts.Kind)
			if kind != "" && kind != policy.KindNoetic && kind != policy.KindPraxic {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid kind %q: must be noetic or praxic", opts.Kind))
			}
			return opts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				return app.Authorization(a.Gate.Authorize(ctx, opts.identity(), policy.Action{
					Tool:            tool,
					Kind:            kind,
					TransactionID:   opts.TransactionID,
					SessionOverride: opts.SessionID,
				}))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "override classification (noetic|praxic)")
	cmd.Flags().StringVar(&opts.TransactionID, "transaction", "", "transaction id (default resolved)")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session override when nothing else resolves")
	cmd.Flags().BoolVar(&opts.Hook, "hook", false, "read the tool name from a JSON event on stdin")
	return cmd
}

func (o *AuthorizeOptions) tool(cmd *cobra.Command, args []string) (string, error) {
	if !o.Hook {
		if len(args) == 0 {
			return "", NewExitError(ExitCommandError, "tool name required")
		}
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", WrapExitError(ExitCommandError, "read hook event", err)
	}
	var p hookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", WrapExitError(ExitCommandError, "decode hook event", err)
	}
	if p.ToolName == "" {
		return "", NewExitError(ExitCommandError, "hook event has no tool_name")
	}
	return p.ToolName, nil
}
