package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/config"
	"github.com/roach88/epistemic/internal/mcpserver"
	"github.com/roach88/epistemic/internal/resolver"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	DBPath     string
	Identity   string

	// appOptions are passed to app.Open; tests inject a fake clock here.
	appOptions []app.Option
	// getenv resolves the default identity.
	getenv func(string) string
	// startProcess launches detached verification. Nil verifies in process.
	startProcess func(*exec.Cmd) error
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"json", "text"}

// NewRootCommand creates the root command for the epi CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{getenv: os.Getenv, startProcess: startDetached})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epi",
		Short: "epi - epistemic transactions for autonomous agents",
		Long: `Record what an agent knows before it acts, check readiness before
praxic work, and measure what it learned afterwards.

Every command prints {ok, data, error_type, message, next_step}.`,
		Version:       mcpserver.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "json", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default .epistemic/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "database path (overrides storage.db_path)")
	cmd.PersistentFlags().StringVar(&opts.Identity, "identity", "", "execution identity (default derived from the terminal)")

	cmd.AddCommand(NewPreflightCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewPostflightCommand(opts))
	cmd.AddCommand(NewCalibrationCommand(opts))
	cmd.AddCommand(NewSetThresholdsCommand(opts))
	cmd.AddCommand(NewResolveContextCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewGoalCommand(opts))
	cmd.AddCommand(NewAuthorizeCommand(opts))
	cmd.AddCommand(NewMigrateLegacyCommand(opts))
	cmd.AddCommand(NewFlushCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads configuration and applies flag overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if o.DBPath != "" {
		cfg.Storage.DBPath = o.DBPath
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// openApp loads configuration and wires the engine. Commands exit right
// after printing, so POSTFLIGHT verification is handed to a detached
// process when startProcess is set.
func (o *RootOptions) openApp() (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	var opts []app.Option
	if o.startProcess != nil {
		opts = append(opts, app.WithDetachedVerification(o.launchVerify))
	}
	a, err := app.Open(cfg, append(opts, o.appOptions...)...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open engine", err)
	}
	return a, nil
}

// identity returns --identity or the identity derived from the environment.
func (o *RootOptions) identity() string {
	if id := strings.TrimSpace(o.Identity); id != "" {
		return id
	}
	return resolver.IdentityFromEnv(o.getenv)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// run opens the engine, calls fn and prints its result.
func (o *RootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) app.Result) error {
	a, err := o.openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	f := o.formatter(cmd)
	f.VerboseLog("identity: %s", o.identity())
	return f.Emit(fn(commandContext(cmd), a))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// readInput returns literal text, the contents of @path, or stdin for "-".
func readInput(cmd *cobra.Command, spec string) ([]byte, error) {
	switch {
	case spec == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	case strings.HasPrefix(spec, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(spec, "@"))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", strings.TrimPrefix(spec, "@"), err)
		}
		return data, nil
	}
	return []byte(spec), nil
}
