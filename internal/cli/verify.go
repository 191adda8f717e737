package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/calibration"
)

// VerifyResult reports one grounded verification.
type VerifyResult struct {
	TransactionID string                    `json:"transaction_id"`
	Verified      bool                      `json:"verified"`
	Track2        *calibration.Track2Result `json:"track2,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var pending bool

	cmd := &cobra.Command{
		Use:   "verify [transaction-id]",
		Short: "Collect evidence for closed transactions and update Track 2",
		Long: `Run grounded verification in the foreground.

submit-postflight queues the transaction and starts "epi verify <id>" as a
detached process, so the caller never waits for evidence. --pending works
through everything still queued, for example after a crash.

Examples:
  epi verify 01J8Z...
  epi verify --pending`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pending == (len(args) == 1) {
				return NewExitError(ExitCommandError, "give a transaction id or --pending, not both")
			}
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Evidence.Enabled {
				return NewExitError(ExitCommandError, "evidence collection is disabled (evidence.enabled)")
			}
			return rootOpts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				if pending {
					rep, err := a.Verifier.Drain(ctx)
					if err != nil {
						return app.Failure(err)
					}
					return app.Success(rep)
				}
				res, ok, err := a.Verifier.VerifyQueued(ctx, args[0])
				if err != nil {
					return app.Failure(err)
				}
				out := VerifyResult{TransactionID: args[0], Verified: ok}
				if ok {
					out.Track2 = &res
				}
				return app.Success(out)
			})
		},
	}

	cmd.Flags().BoolVar(&pending, "pending", false, "verify every queued transaction")
	return cmd
}

// launchVerify starts "epi verify <id>" outside this process with the same
// config and database flags.
func (o *RootOptions) launchVerify(_ context.Context, transactionID string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"verify", transactionID}
	if o.ConfigPath != "" {
		args = append(args, "--config", o.ConfigPath)
	}
	if o.DBPath != "" {
		args = append(args, "--db", o.DBPath)
	}
	return o.startProcess(exec.Command(exe, args...))
}

// startDetached starts cmd in its own session and does not wait for it.
func startDetached(cmd *exec.Cmd) error {
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return cmd.Process.Release()
}
