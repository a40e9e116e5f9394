package cli

import (
	"fmt"
	"io"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "finagent: financial-analysis agent orchestration")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  finagent run --user=ID [--thread=ID] [--portfolio=file.json] [--max-iterations=N] -- \"question\"")
	fmt.Fprintln(w, "  finagent resume --user=ID --thread=ID [-- \"reply\"]")
	fmt.Fprintln(w, "  finagent state --user=ID --thread=ID")
	fmt.Fprintln(w, "  finagent traces --user=ID --thread=ID")
	fmt.Fprintln(w, "  finagent threads --user=ID [--limit=N]")
	fmt.Fprintln(w, "  finagent approvals --user=ID")
	fmt.Fprintln(w, "  finagent approve --user=ID <approval-id>")
	fmt.Fprintln(w, "  finagent reject --user=ID [--reason=TEXT] <approval-id>")
	fmt.Fprintln(w, "  finagent expire")
	fmt.Fprintln(w, "  finagent metrics")
	fmt.Fprintln(w, "  finagent tools")
	fmt.Fprintln(w, "  finagent graph")
	fmt.Fprintln(w, "  finagent serve")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Common flags:")
	fmt.Fprintln(w, "  --config=PATH                 YAML config (default ./finagent.yaml when present)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment Variables:")
	fmt.Fprintln(w, "  FINAGENT_USER                Default --user")
	fmt.Fprintln(w, "  FINAGENT_STATE_BACKEND       sqlite, redis, hybrid or memory")
	fmt.Fprintln(w, "  FINAGENT_SQLITE_PATH         SQLite file for checkpoints, traces and approvals")
	fmt.Fprintln(w, "  FINAGENT_REDIS_ADDR          Redis address for the redis and hybrid backends")
	fmt.Fprintln(w, "  FINAGENT_MAX_ITERATIONS      Default iteration ceiling per run")
	fmt.Fprintln(w, "  FINAGENT_SERVER_ADDR         Listen address for serve")
	fmt.Fprintln(w, "  FINAGENT_EXPIRY_SCHEDULE     Cron schedule of the approval expiry sweep (default @every 1m)")
	fmt.Fprintln(w, "  GEMINI_API_KEY               Enables the Gemini model for analysis nodes")
	fmt.Fprintln(w, "  FRED_API_KEY                 Enables the FRED macro data tool")
}
