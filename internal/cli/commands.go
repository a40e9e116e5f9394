package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/PipeOpsHQ/finagent/approval"
	observestore "github.com/PipeOpsHQ/finagent/observe/store"
	"github.com/PipeOpsHQ/finagent/orchestrator"
)

func withRuntime(ctx context.Context, opts cliOptions, fn func(rt *runtime) error) error {
	rt, err := buildRuntime(ctx, runtimeOptions{configPath: opts.configPath})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func runThread(ctx context.Context, out io.Writer, opts cliOptions, args []string) error {
	if err := opts.requireUser(); err != nil {
		return err
	}
	input := normalizeInput(args)
	if input == "" {
		return fmt.Errorf("input cannot be empty")
	}
	portfolio, err := loadPortfolio(opts.portfolioPath)
	if err != nil {
		return err
	}
	return withRuntime(ctx, opts, func(rt *runtime) error {
		res, err := rt.orch.Run(ctx, opts.userID, orchestrator.RunInput{
			Message:       input,
			ThreadID:      opts.threadID,
			Portfolio:     portfolio,
			MaxIterations: opts.maxIterations,
		})
		if err != nil {
			return err
		}
		return printResult(ctx, out, rt, res)
	})
}

func resumeThread(ctx context.Context, out io.Writer, opts cliOptions, args []string) error {
	if err := opts.requireUser(); err != nil {
		return err
	}
	if opts.threadID == "" {
		return fmt.Errorf("--thread is required")
	}
	return withRuntime(ctx, opts, func(rt *runtime) error {
		res, err := rt.orch.Resume(ctx, opts.userID, opts.threadID, normalizeInput(args))
		if err != nil {
			return err
		}
		return printResult(ctx, out, rt, res)
	})
}

// printResult shows the outcome of a run. A suspended run also lists the
// approval waiting on it.
func printResult(ctx context.Context, out io.Writer, rt *runtime, res orchestrator.Result) error {
	fmt.Fprintf(out, "thread: %s\nstatus: %s\n", res.ThreadID, res.Status)
	switch res.Status {
	case orchestrator.StatusCompleted:
		fmt.Fprintf(out, "\n%s\n", res.FinalState.Output)
	case orchestrator.StatusSuspended:
		fmt.Fprintf(out, "\n%s\n", res.InterruptReason)
		owner, _ := orchestrator.ExtractOwner(res.ThreadID)
		pending, err := rt.gate.Pending(ctx, owner)
		if err != nil {
			return err
		}
		for _, a := range pending {
			if a.ThreadID == res.ThreadID {
				fmt.Fprintf(out, "\napproval: %s (expires %s)\n", a.ID, humanize.Time(a.ExpiresAt))
			}
		}
	default:
		fmt.Fprintf(out, "error: %s\n", res.Error)
	}
	if res.Guidance != "" {
		fmt.Fprintf(out, "\n%s\n", res.Guidance)
	}
	return nil
}

func showState(ctx context.Context, out io.Writer, opts cliOptions, _ []string) error {
	if err := opts.requireUser(); err != nil {
		return err
	}
	return withRuntime(ctx, opts, func(rt *runtime) error {
		snap, err := rt.orch.GetState(ctx, opts.userID, opts.threadID)
		if err != nil {
			return err
		}
		return printJSON(out, snap)
	})
}

func showTraces(ctx context.Context, out io.Writer, opts cliOptions, _ []string) error {
	if err := opts.requireUser(); err != nil {
		return err
	}
	return withRuntime(ctx, opts, func(rt *runtime) error {
		traces, err := rt.orch.GetTraces(ctx, opts.threadID, opts.userID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tNODE\tSTATUS\tDURATION\tTOOLS\tREASONING")
		for _, tr := range traces {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
				tr.StepIndex, tr.NodeName, tr.Status,
				(time.Duration(tr.DurationMs) * time.Millisecond).String(),
				len(tr.ToolResults), oneLine(tr.Reasoning, 80))
		}
		return tw.Flush()
	})
}

func listThreads(ctx context.Context, out io.Writer, opts cliOptions, _ []string) error {
	if err := opts.requireUser(); err != nil {
		return err
	}
	return withRuntime(ctx, opts, func(rt *runtime) error {
		threads, err := rt.orch.ListThreads(ctx, opts.userID, opts.limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "THREAD\tSTATUS\tUPDATED\tINPUT")
		for _, th := range threads {
			updated := "-"
			if th.UpdatedAt != nil {
				updated = humanize.Time(*th.UpdatedAt)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", th.ThreadID, th.Status, updated, oneLine(th.Input, 60))
		}
		return tw.Flush()
	})
}

func listApprovals(ctx context.Context, out io.Writer, opts cliOptions, _ []string) error {
	if err := opts.requireUser(); err != nil {
		return err
	}
	return withRuntime(ctx, opts, func(rt *runtime) error {
		pending, err := rt.gate.Pending(ctx, opts.userID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "APPROVAL\tTHREAD\tCOST\tEXPIRES\tPROMPT")
		for _, a := range pending {
			fmt.Fprintf(tw, "%s\t%s\t$%s\t%s\t%s\n", a.ID, a.ThreadID,
				humanize.FtoaWithDigits(a.Context.Estimate.TotalCost, 4),
				humanize.Time(a.ExpiresAt), oneLine(a.Prompt, 80))
		}
		return tw.Flush()
	})
}

func approveCmd(ctx context.Context, out io.Writer, opts cliOptions, args []string) error {
	return respond(ctx, out, opts, args, true)
}

func rejectCmd(ctx context.Context, out io.Writer, opts cliOptions, args []string) error {
	return respond(ctx, out, opts, args, false)
}

func respond(ctx context.Context, out io.Writer, opts cliOptions, args []string, approve bool) error {
	if err := opts.requireUser(); err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("exactly one approval id is required")
	}
	return withRuntime(ctx, opts, func(rt *runtime) error {
		a, err := rt.gate.Respond(ctx, strings.TrimSpace(args[0]), opts.userID, approve, opts.reason)
		if a.ID != "" {
			fmt.Fprintf(out, "approval %s: %s\n", a.ID, a.Status)
		}
		if err != nil {
			return err
		}
		if !approve {
			return nil
		}
		snap, err := rt.orch.GetState(ctx, opts.userID, a.ThreadID)
		if err != nil {
			return err
		}
		if snap.Done {
			fmt.Fprintf(out, "\n%s\n", snap.State.Output)
		} else if snap.Suspended() {
			fmt.Fprintf(out, "\nthread suspended again: %s\n", snap.InterruptReason)
		}
		return nil
	})
}

func expireApprovals(ctx context.Context, out io.Writer, opts cliOptions, _ []string) error {
	return withRuntime(ctx, opts, func(rt *runtime) error {
		n, err := rt.gate.ExpireStale(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "expired %d approvals\n", n)
		return nil
	})
}

func showMetrics(ctx context.Context, out io.Writer, opts cliOptions, _ []string) error {
	return withRuntime(ctx, opts, func(rt *runtime) error {
		if rt.events == nil {
			return fmt.Errorf("event history is not kept by the %s backend", rt.cfg.Store.Backend)
		}
		summary, err := rt.events.AggregateMetrics(ctx, observestore.MetricsQuery{})
		if err != nil {
			return err
		}
		return printJSON(out, summary)
	})
}

func listTools(ctx context.Context, out io.Writer, opts cliOptions, _ []string) error {
	return withRuntime(ctx, opts, func(rt *runtime) error {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
		for _, info := range rt.registry.Catalog() {
			fmt.Fprintf(tw, "%s\t%s\n", info.Name, oneLine(info.Description, 80))
		}
		return tw.Flush()
	})
}

func showGraph(ctx context.Context, out io.Writer, opts cliOptions, _ []string) error {
	return withRuntime(ctx, opts, func(rt *runtime) error {
		fmt.Fprintf(out, "graph: %s (start %s)\n\n", rt.graph.Name(), rt.graph.StartNodeID())
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NODE\tKIND")
		for _, n := range rt.graph.NodeInfos() {
			fmt.Fprintf(tw, "%s\t%s\n", n.ID, n.Kind)
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "FROM\tTO\tCONDITIONAL")
		for _, e := range rt.graph.EdgeInfos() {
			fmt.Fprintf(tw, "%s\t%s\t%t\n", e.From, e.To, e.Conditional)
		}
		return tw.Flush()
	})
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

var _ approval.Resumer = (*orchestrator.Orchestrator)(nil)
