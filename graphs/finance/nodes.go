package finance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"github.com/PipeOpsHQ/finagent/approval"
	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/graph"
	"github.com/PipeOpsHQ/finagent/tools"
	"github.com/PipeOpsHQ/finagent/tools/builtin"
	"github.com/PipeOpsHQ/finagent/tools/fred"
	"github.com/PipeOpsHQ/finagent/tracing"
	"github.com/PipeOpsHQ/finagent/types"
)

// concentrationLimit is the allocation weight above which risk flags a
// portfolio as concentrated.
const concentrationLimit = 0.4

// defaultSeries is the FRED series the macro node reads when the request
// does not name one.
const defaultSeries = "DGS10"

var (
	macroKeywords = []string{"macro", "rate", "inflation", "yield", "treasury", "economy", "fed", "cpi", "gdp", "unemployment"}
	riskKeywords  = []string{"risk", "concentrat", "volatil", "exposure", "drawdown", "diversif"}
	seriesHints   = map[string]string{
		"inflation":    "CPIAUCSL",
		"cpi":          "CPIAUCSL",
		"unemployment": "UNRATE",
		"gdp":          "GDP",
		"fed":          "FEDFUNDS",
	}
)

var specialistTools = map[string]string{
	NodeObserver: builtin.PortfolioSummaryName,
	NodeMacro:    fred.ToolName,
	NodeRisk:     builtin.CalculatorName,
}

var specialistPrompts = map[string]string{
	NodeObserver: "You describe the user's portfolio: value, positions and allocation. Use the portfolio_summary tool.",
	NodeMacro:    "You summarise the macroeconomic backdrop relevant to the question. Use the FRED tool for data.",
	NodeRisk:     "You assess portfolio risk: concentration, diversification and exposure.",
	NodeSynthesizer: "You write the final answer for the user from the specialist notes in the conversation. " +
		"Be concise and state any data that was unavailable.",
}

type workflow struct {
	cfg Config
}

// supervise plans which specialists run. A fresh turn clears earlier
// specialist output; a pass coming back from the reflector keeps it.
func (w *workflow) supervise(_ context.Context, s *graph.State) error {
	s.EnsureData()
	if s.LastNodeID == NodeReflector {
		s.NodeOutputs[NodeSupervisor] = map[string]any{
			"content":   "retrying " + strings.Join(missingOutputs(s), ", "),
			"reasoning": "Reflection found planned analysis without output",
		}
		return nil
	}
	for _, node := range append([]string{NodeReflector, NodeSynthesizer, NodeDeclined}, Specialists...) {
		delete(s.NodeOutputs, node)
	}
	delete(s.Data, KeyApprovalID)
	delete(s.Data, KeyDecision)
	s.Data[KeyReflections] = 0

	question := strings.ToLower(lastUserMessage(s))
	var plan []string
	if s.Portfolio != nil {
		plan = append(plan, NodeObserver)
	}
	if containsAny(question, macroKeywords) {
		plan = append(plan, NodeMacro)
	}
	if containsAny(question, riskKeywords) && s.Portfolio != nil {
		plan = append(plan, NodeRisk)
	}
	if len(plan) == 0 {
		plan = []string{NodeObserver}
	}

	var planned []string
	for _, node := range plan {
		if name := specialistTools[node]; name != "" {
			if _, ok := w.cfg.Registry.Lookup(name); ok {
				planned = append(planned, name)
			}
		}
	}
	s.Data[KeyPlan] = plan
	s.Data[KeyTools] = planned
	s.NodeOutputs[NodeSupervisor] = map[string]any{
		"content":   "plan: " + strings.Join(plan, ", "),
		"reasoning": fmt.Sprintf("Planned %s for the request", strings.Join(plan, ", ")),
	}
	return nil
}

// guard fails the run when no superstep is left for the analysis.
func guard(_ context.Context, s *graph.State) error {
	if s.MaxIterations > 0 && s.Iteration >= s.MaxIterations {
		return &errdefs.GuardrailError{Iteration: s.Iteration, MaxIterations: s.MaxIterations}
	}
	return nil
}

// specialistFunc produces a specialist's note. An empty content leaves the
// node without output so the reflector can retry it.
type specialistFunc func(ctx context.Context, s *graph.State) (content, reasoning string, err error)

func (w *workflow) specialist(node string, fallback specialistFunc) graph.Node {
	return graph.NewFuncNode(func(ctx context.Context, s *graph.State) error {
		if w.cfg.Provider != nil {
			return w.llm(node, s).Execute(ctx, s)
		}
		content, reasoning, err := fallback(ctx, s)
		if err != nil {
			return err
		}
		if content == "" {
			return nil
		}
		s.NodeOutputs[node] = map[string]any{"content": content, "reasoning": reasoning}
		return nil
	})
}

func (w *workflow) llm(node string, s *graph.State) *graph.LLMNode {
	prompt := specialistPrompts[node]
	if s.Portfolio != nil {
		if raw, err := json.Marshal(s.Portfolio); err == nil {
			prompt += "\n\nPortfolio:\n" + string(raw)
		}
	}
	n := &graph.LLMNode{
		Provider:     w.cfg.Provider,
		SystemPrompt: prompt,
		Registry:     w.cfg.Registry,
		OnToolError: func(ctx context.Context, s *graph.State, _ tools.Result, err error) error {
			s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", node, err))
			return nil
		},
	}
	if name := specialistTools[node]; name != "" {
		if _, ok := w.cfg.Registry.Lookup(name); ok {
			n.Tools = []string{name}
		}
	}
	return n
}

func (w *workflow) observe(ctx context.Context, s *graph.State) (string, string, error) {
	if s.Portfolio == nil {
		return "No portfolio was supplied, so there are no holdings to describe.", "No portfolio context on the thread", nil
	}
	summary := builtin.Summarize(s.Portfolio)
	if _, ok := w.cfg.Registry.Lookup(builtin.PortfolioSummaryName); ok {
		args, err := json.Marshal(map[string]any{"portfolio": s.Portfolio})
		if err != nil {
			return "", "", err
		}
		res, err := w.cfg.Registry.Invoke(ctx, builtin.PortfolioSummaryName, args)
		if err != nil {
			return "", "", err
		}
		if out, ok := res.Output.(builtin.PortfolioSummary); ok {
			summary = out
		}
	}
	content := fmt.Sprintf("Portfolio worth %s across %s.", summary.Display, english.Plural(summary.Positions, "position", ""))
	if summary.Largest != "" {
		content += " Largest position: " + summary.Largest + "."
	}
	if len(summary.Allocations) > 0 {
		top := summary.Allocations[0]
		content += fmt.Sprintf(" Biggest allocation is %s at %s%%.", top.AssetClass, humanize.FtoaWithDigits(top.Weight*100, 1))
	}
	return content, "Summarised holdings by asset class", nil
}

func (w *workflow) macro(ctx context.Context, s *graph.State) (string, string, error) {
	if _, ok := w.cfg.Registry.Lookup(fred.ToolName); !ok {
		return "No macroeconomic data source is configured.", "FRED tool not registered", nil
	}
	series := seriesFor(strings.ToLower(lastUserMessage(s)))
	args, err := json.Marshal(map[string]any{"series_id": series, "limit": 1})
	if err != nil {
		return "", "", err
	}
	res, err := w.cfg.Registry.Invoke(ctx, fred.ToolName, args)
	// FRED is the slow call of the workflow; show its result on the trace now.
	tracing.RunFrom(ctx).Flush(ctx)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", NodeMacro, err))
		return "", "", nil
	}
	data, ok := res.Output.(fred.Series)
	if !ok || data.Latest == nil || data.Latest.Value == nil {
		return fmt.Sprintf("FRED returned no recent value for %s.", series), "Series had no usable observation", nil
	}
	return fmt.Sprintf("Latest %s reading is %s (%s).", series, humanize.FtoaWithDigits(*data.Latest.Value, 2), data.Latest.Date),
		"Read the most recent " + series + " observation from FRED", nil
}

func (w *workflow) risk(_ context.Context, s *graph.State) (string, string, error) {
	summary := builtin.Summarize(s.Portfolio)
	if len(summary.Allocations) == 0 {
		return "Risk could not be assessed without holdings.", "Empty portfolio", nil
	}
	top := summary.Allocations[0]
	pct := humanize.FtoaWithDigits(top.Weight*100, 1)
	if top.Weight > concentrationLimit {
		return fmt.Sprintf("Portfolio is concentrated: %s is %s%% of value.", top.AssetClass, pct),
			fmt.Sprintf("Top allocation exceeds %s%%", humanize.FtoaWithDigits(concentrationLimit*100, 0)), nil
	}
	return fmt.Sprintf("Allocation is diversified; the largest class (%s) is %s%% of value.", top.AssetClass, pct),
		"No allocation above the concentration limit", nil
}

func (w *workflow) reflect(_ context.Context, s *graph.State) error {
	s.EnsureData()
	missing := missingOutputs(s)
	if len(missing) == 0 {
		s.NodeOutputs[NodeReflector] = map[string]any{
			"content":   "all planned analysis is present",
			"reasoning": "Every planned specialist produced output",
		}
		return nil
	}
	count := intFrom(s.Data[KeyReflections]) + 1
	s.Data[KeyReflections] = count
	s.NodeOutputs[NodeReflector] = map[string]any{
		"content":   "missing: " + strings.Join(missing, ", "),
		"reasoning": fmt.Sprintf("Reflection %d found missing output from %s", count, strings.Join(missing, ", ")),
	}
	return nil
}

// requestApproval prices the remaining work and suspends the run.
func (w *workflow) requestApproval(ctx context.Context, s *graph.State) error {
	s.EnsureData()
	plan := approval.Plan{
		Nodes: append(stringsFrom(s.Data[KeyPlan]), NodeSynthesizer),
		Tools: stringsFrom(s.Data[KeyTools]),
	}
	if w.cfg.Gate == nil {
		est := approval.NewEstimator(approval.DefaultPricing()).Estimate(plan)
		return graph.Interrupt(approval.Prompt(plan, est))
	}
	a, err := w.cfg.Gate.Request(ctx, s.UserID, s.ThreadID, plan)
	if err != nil {
		return fmt.Errorf("request approval: %w", err)
	}
	s.Data[KeyApprovalID] = a.ID
	return graph.Interrupt(a.Prompt)
}

func (w *workflow) synthesizer() graph.Node {
	return graph.NewFuncNode(func(ctx context.Context, s *graph.State) error {
		if w.cfg.Provider != nil {
			n := w.llm(NodeSynthesizer, s)
			n.Tools = nil
			return n.Execute(ctx, s)
		}
		var notes []string
		for _, node := range Specialists {
			if out, ok := s.NodeOutputs[node].(map[string]any); ok {
				if content, _ := out["content"].(string); content != "" {
					notes = append(notes, content)
				}
			}
		}
		if len(notes) == 0 {
			notes = append(notes, "No analysis output was produced.")
		}
		if len(s.Errors) > 0 {
			notes = append(notes, fmt.Sprintf("Some data was unavailable (%s).", english.Plural(len(s.Errors), "error", "")))
		}
		answer := strings.Join(notes, " ")
		s.Messages = append(s.Messages, types.Message{
			Role:      types.RoleAssistant,
			Content:   answer,
			Reasoning: fmt.Sprintf("Combined %d specialist notes", len(notes)),
		})
		s.Output = answer
		s.NodeOutputs[NodeSynthesizer] = map[string]any{"content": answer}
		return nil
	})
}

func decline(_ context.Context, s *graph.State) error {
	answer := "Analysis cancelled: the estimated cost was not approved."
	s.Messages = append(s.Messages, types.AssistantMessage(answer))
	s.Output = answer
	s.NodeOutputs[NodeDeclined] = map[string]any{
		"content":   answer,
		"reasoning": "Approval was rejected or expired",
	}
	return nil
}

func seriesFor(question string) string {
	keys := make([]string, 0, len(seriesHints))
	for k := range seriesHints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if containsAny(question, []string{k}) {
			return seriesHints[k]
		}
	}
	return defaultSeries
}

// containsAny reports whether any word of text starts with one of the
// keywords.
func containsAny(text string, keywords []string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		for _, kw := range keywords {
			if strings.HasPrefix(word, kw) {
				return true
			}
		}
	}
	return false
}
