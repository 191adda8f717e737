package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/epistemic/internal/app"
)

// NewMigrateLegacyCommand creates the migrate-legacy command.
func NewMigrateLegacyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-legacy",
		Short: "Fold per-phase legacy tables into the unified assessments table",
		Long: `Copy rows from preflight_assessments, check_assessments and
postflight_assessments into assessments, verify row counts, and drop the
old tables, all in one transaction. Running it twice is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				rep, err := a.Backend.MigrateLegacy(ctx)
				if err != nil {
					return app.Failure(err)
				}
				return app.Success(rep)
			})
		},
	}
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Re-publish assessments the audit log has not confirmed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				rep, err := a.Flush(ctx)
				if err != nil {
					return app.Failure(err)
				}
				return app.Success(rep)
			})
		},
	}
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		sessionID string
		write     bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export sessions as JSON",
		Long: `Print every session, or one with --session. With --write the session
document is written to the export directory instead and its path printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if write && sessionID == "" {
				return NewExitError(ExitCommandError, "--write requires --session")
			}
			return rootOpts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				switch {
				case write:
					path, err := a.Backend.ExportSession(ctx, sessionID)
					if err != nil {
						return app.Failure(err)
					}
					return app.Success(map[string]any{"session_id": sessionID, "path": path})
				case sessionID != "":
					snap, err := a.Backend.Snapshot(ctx, sessionID)
					if err != nil {
						return app.Failure(err)
					}
					return app.Success(snap)
				}
				all, err := a.Backend.Dump(ctx)
				if err != nil {
					return app.Failure(err)
				}
				return app.Success(all)
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "export one session")
	cmd.Flags().BoolVar(&write, "write", false, "write to the export directory")
	return cmd
}
