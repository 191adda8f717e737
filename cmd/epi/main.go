// epi records epistemic transactions for autonomous agents.
//
// Usage:
//
//	epi submit-preflight --vectors @pre.json   # open a transaction
//	epi submit-check --vectors @check.json     # ask for readiness
//	epi authorize Edit                         # gate a praxic tool
//	epi submit-postflight --vectors @post.json # close and measure
//	epi serve                                  # MCP server on stdio
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/epistemic/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil && !cli.IsReported(err) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
