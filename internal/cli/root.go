// Package cli implements the finagent command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

type command func(ctx context.Context, out io.Writer, opts cliOptions, args []string) error

var commands = map[string]command{
	"run":       runThread,
	"resume":    resumeThread,
	"state":     showState,
	"traces":    showTraces,
	"threads":   listThreads,
	"approvals": listApprovals,
	"approve":   approveCmd,
	"reject":    rejectCmd,
	"expire":    expireApprovals,
	"metrics":   showMetrics,
	"tools":     listTools,
	"graph":     showGraph,
	"serve":     serve,
}

// Run executes the command named by args[0] and returns the process exit
// code.
func Run(ctx context.Context, args []string) int {
	return run(ctx, os.Stdout, os.Stderr, args)
}

func run(ctx context.Context, out, errOut io.Writer, args []string) int {
	if len(args) < 1 {
		printUsage(out)
		return 2
	}
	name := strings.TrimSpace(args[0])
	if name == "help" || name == "-h" || name == "--help" {
		printUsage(out)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(errOut, "unknown command %q\n\n", name)
		printUsage(errOut)
		return 2
	}
	opts, positional, err := parseArgs(args[1:])
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}
	if err := cmd(ctx, out, opts, positional); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	return 0
}
