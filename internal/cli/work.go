package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/engine"
	"github.com/roach88/epistemic/internal/ir"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	SubtaskID     string
	TransactionID string
	SessionID     string
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log <finding|unknown|dead_end|resolved> <text...>",
		Short: "Log a noetic artifact",
		Long: `Record what investigation turned up. Artifacts logged while a
transaction is open count as investigation for the CHECK anti-gaming rule
and feed the artifact evidence source.

Examples:
  epi log finding "retry budget is per request, not per client"
  epi log unknown "who owns the token cache" --subtask <id>`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := ir.ArtifactKind(args[0])
			if !kind.Valid() {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("unknown artifact kind %q: must be finding, unknown, dead_end or resolved", args[0]))
			}
			text := strings.Join(args[1:], " ")
			return opts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				art, err := a.Engine.LogArtifact(ctx, engine.ArtifactRequest{
					Identity:        opts.identity(),
					TransactionID:   opts.TransactionID,
					SessionOverride: opts.SessionID,
					SubtaskID:       opts.SubtaskID,
					Kind:            kind,
					Text:            text,
				})
				if err != nil {
					return app.Failure(err)
				}
				return app.Success(art)
			})
		},
	}

	cmd.Flags().StringVar(&opts.SubtaskID, "subtask", "", "subtask the artifact belongs to")
	cmd.Flags().StringVar(&opts.TransactionID, "transaction", "", "transaction id (default resolved)")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session override when nothing else resolves")
	return cmd
}

// NewGoalCommand creates the goal command tree.
func NewGoalCommand(rootOpts *RootOptions) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Manage goals and subtasks",
		Long: `Goals and subtasks describe the work of a session. Subtask completion is
objective evidence for the completion vector.`,
	}
	cmd.PersistentFlags().StringVar(&sessionID, "session", "", "session override when nothing else resolves")

	var scope string
	create := &cobra.Command{
		Use:   "create <objective...>",
		Short: "Create a goal in the current session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				g, err := a.Engine.CreateGoal(ctx, rootOpts.identity(), sessionID, strings.Join(args, " "), scope)
				if err != nil {
					return app.Failure(err)
				}
				return app.Success(g)
			})
		},
	}
	create.Flags().StringVar(&scope, "scope", "", "what the goal covers")

	addSubtask := &cobra.Command{
		Use:   "add-subtask <goal-id> <description...>",
		Short: "Add a subtask to a goal",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				st, err := a.Engine.AddSubtask(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return app.Failure(err)
				}
				return app.Success(st)
			})
		},
	}

	complete := &cobra.Command{
		Use:   "complete <subtask-id>",
		Short: "Mark a subtask completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				if err := a.Engine.CompleteSubtask(ctx, args[0]); err != nil {
					return app.Failure(err)
				}
				return app.Success(map[string]any{"subtask_id": args[0], "status": ir.GoalCompleted})
			})
		},
	}

	setStatus := &cobra.Command{
		Use:   "set-status <goal-id|subtask-id> <open|completed|abandoned>",
		Short: "Change the status of a goal or subtask",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := ir.GoalStatus(args[1])
			subtask, _ := cmd.Flags().GetBool("subtask")
			return rootOpts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				var err error
				if subtask {
					err = a.Engine.SetSubtaskStatus(ctx, args[0], status)
				} else {
					err = a.Engine.SetGoalStatus(ctx, args[0], status)
				}
				if err != nil {
					return app.Failure(err)
				}
				return app.Success(map[string]any{"id": args[0], "status": status})
			})
		},
	}
	setStatus.Flags().Bool("subtask", false, "the id names a subtask")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the session's goals with subtasks and artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.run(cmd, func(ctx context.Context, a *app.App) app.Result {
				goals, err := a.Engine.Goals(ctx, rootOpts.identity(), sessionID)
				if err != nil {
					return app.Failure(err)
				}
				return app.Success(goals)
			})
		},
	}

	cmd.AddCommand(create, addSubtask, complete, setStatus, list)
	return cmd
}
