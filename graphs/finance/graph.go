package finance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/finagent/approval"
	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/graph"
	"github.com/PipeOpsHQ/finagent/llm"
	"github.com/PipeOpsHQ/finagent/tools"
	"github.com/PipeOpsHQ/finagent/types"
)

const Name = "finance"

const (
	NodeSupervisor  = "supervisor"
	NodeGuardrail   = "guardrail"
	NodeObserver    = "observer"
	NodeMacro       = "macro"
	NodeRisk        = "risk"
	NodeReflector   = "reflector"
	NodeApproval    = "human_approval"
	NodeSynthesizer = "synthesizer"
	NodeDeclined    = "declined"
)

// Keys written to State.Data.
const (
	KeyPlan        = "plan"
	KeyTools       = "tools"
	KeyApprovalID  = "approval_id"
	KeyReflections = "reflections"
	KeyDecision    = "approval_decision"
)

const defaultMaxReflections = 1

// Specialists lists the analysis nodes the supervisor can plan, in run order.
var Specialists = []string{NodeObserver, NodeMacro, NodeRisk}

type Config struct {
	// Provider is optional. Without one every node runs its deterministic body.
	Provider llm.Provider
	Registry *tools.Registry
	// Gate is optional. Without one the approval decision is read from the
	// user message that resumes the thread.
	Gate           *approval.Gate
	MaxReflections int
}

// Build assembles the financial-analysis workflow:
//
//	supervisor -> guardrail -> {observer, macro, risk} -> reflector
//	reflector -> supervisor | human_approval
//	human_approval -> synthesizer | declined
func Build(cfg Config) (*graph.Graph, error) {
	if cfg.Registry == nil {
		cfg.Registry = tools.NewRegistry()
	}
	if cfg.MaxReflections <= 0 {
		cfg.MaxReflections = defaultMaxReflections
	}
	w := &workflow{cfg: cfg}

	g := graph.New(Name).
		AddNode(NodeSupervisor, graph.NewFuncNode(w.supervise)).
		AddNode(NodeGuardrail, graph.NewFuncNode(guard)).
		AddNode(NodeObserver, w.specialist(NodeObserver, w.observe)).
		AddNode(NodeMacro, w.specialist(NodeMacro, w.macro)).
		AddNode(NodeRisk, w.specialist(NodeRisk, w.risk)).
		AddNode(NodeReflector, graph.NewFuncNode(w.reflect)).
		AddNode(NodeApproval, graph.NewFuncNode(w.requestApproval)).
		AddNode(NodeSynthesizer, w.synthesizer()).
		AddNode(NodeDeclined, graph.NewFuncNode(decline)).
		AddEdge(NodeSupervisor, NodeGuardrail, nil).
		AddRouter(NodeGuardrail, fanOut, Specialists...).
		AddEdge(NodeObserver, NodeReflector, nil).
		AddEdge(NodeMacro, NodeReflector, nil).
		AddEdge(NodeRisk, NodeReflector, nil).
		AddRouter(NodeReflector, w.afterReflection, NodeSupervisor, NodeApproval).
		AddRouter(NodeApproval, w.afterApproval, NodeSynthesizer, NodeDeclined).
		SetStart(NodeSupervisor).
		AllowCycles(true)

	if err := g.Compile(); err != nil {
		return nil, fmt.Errorf("compile %s graph: %w", Name, err)
	}
	return g, nil
}

// NewExecutor builds the workflow and wraps it in an executor.
func NewExecutor(cfg Config, opts ...graph.ExecutorOption) (*graph.Executor, error) {
	g, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	return graph.NewExecutor(g, opts...)
}

func fanOut(_ context.Context, s *graph.State) ([]string, error) {
	plan := stringsFrom(s.Data[KeyPlan])
	if len(plan) == 0 {
		return []string{NodeObserver}, nil
	}
	return plan, nil
}

func (w *workflow) afterReflection(_ context.Context, s *graph.State) ([]string, error) {
	if len(missingOutputs(s)) > 0 && intFrom(s.Data[KeyReflections]) <= w.cfg.MaxReflections {
		return []string{NodeSupervisor}, nil
	}
	return []string{NodeApproval}, nil
}

func (w *workflow) afterApproval(ctx context.Context, s *graph.State) ([]string, error) {
	approved, err := w.approved(ctx, s)
	if err != nil {
		return nil, err
	}
	s.EnsureData()
	if approved {
		s.Data[KeyDecision] = string(approval.StatusApproved)
		return []string{NodeSynthesizer}, nil
	}
	s.Data[KeyDecision] = string(approval.StatusRejected)
	return []string{NodeDeclined}, nil
}

// approved consults the gate first. A pending approval is answered by the
// reply that resumed the thread and settled through the gate, so the record
// matches the branch taken. A workflow without a gate reads the reply only.
func (w *workflow) approved(ctx context.Context, s *graph.State) (bool, error) {
	reply := affirmative(lastUserMessage(s))
	id, _ := s.Data[KeyApprovalID].(string)
	if w.cfg.Gate == nil || id == "" {
		return reply, nil
	}
	status, err := w.cfg.Gate.Status(ctx, id)
	if err != nil {
		return false, fmt.Errorf("approval status: %w", err)
	}
	if status == approval.StatusPending {
		_, err := w.cfg.Gate.Settle(ctx, id, s.UserID, reply, lastUserMessage(s))
		switch {
		case err == nil:
			return reply, nil
		case errors.Is(err, errdefs.ErrConflict):
			// answered or expired in the meantime
			if status, err = w.cfg.Gate.Status(ctx, id); err != nil {
				return false, fmt.Errorf("approval status: %w", err)
			}
		default:
			return false, fmt.Errorf("settle approval: %w", err)
		}
	}
	return status == approval.StatusApproved, nil
}

func affirmative(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	for _, word := range []string{"approve", "approved", "yes", "y", "ok", "go ahead", "proceed"} {
		if text == word || strings.HasPrefix(text, word+" ") {
			return true
		}
	}
	return false
}

func lastUserMessage(s *graph.State) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == types.RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// missingOutputs lists planned specialists that have not produced output.
func missingOutputs(s *graph.State) []string {
	var missing []string
	for _, node := range stringsFrom(s.Data[KeyPlan]) {
		if _, ok := s.NodeOutputs[node]; !ok {
			missing = append(missing, node)
		}
	}
	return missing
}

// stringsFrom reads a string list from Data. Values come back as []any
// after a checkpoint round trip.
func stringsFrom(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intFrom(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return 0
	}
}
