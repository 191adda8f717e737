package cli

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/mcpserver"
	"github.com/roach88/epistemic/internal/metrics"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine as MCP tools over stdio",
		Long: `Start an MCP server on stdin/stdout. Tools mirror the CLI commands and
answer with the same {ok, data, error_type, message, next_step} document.

With --metrics-addr (or metrics.addr in config) Prometheus metrics are
served at /metrics on that address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			a, err := app.Open(cfg, rootOpts.appOptions...)
			if err != nil {
				return WrapExitError(ExitCommandError, "open engine", err)
			}
			defer a.Close()

			return serve(commandContext(cmd), cmd, a, cfg.Metrics.Addr, rootOpts.identity())
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// serve runs the stdio server until stdin closes or ctx is cancelled.
// The metrics listener, if any, stops with it.
func serve(ctx context.Context, cmd *cobra.Command, a *app.App, metricsAddr, identity string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdio := server.NewStdioServer(mcpserver.New(a, identity))
	a.Logger.Info("mcp server starting",
		zap.String("identity", identity),
		zap.String("version", mcpserver.Version),
		zap.String("metrics_addr", metricsAddr))

	if a.Verifier != nil {
		if _, err := a.Verifier.Resume(ctx); err != nil {
			a.Logger.Warn("could not resume queued verifications", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return stdio.Listen(gctx, cmd.InOrStdin(), cmd.OutOrStdout())
	})
	if metricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, metricsAddr, a.Registry)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "serve", err)
	}
	return nil
}
