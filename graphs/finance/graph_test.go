package finance

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/finagent/approval"
	apmem "github.com/PipeOpsHQ/finagent/approval/memory"
	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/graph"
	"github.com/PipeOpsHQ/finagent/orchestrator"
	"github.com/PipeOpsHQ/finagent/state/memory"
	"github.com/PipeOpsHQ/finagent/tools"
	"github.com/PipeOpsHQ/finagent/tools/builtin"
	"github.com/PipeOpsHQ/finagent/tracing"
	tracemem "github.com/PipeOpsHQ/finagent/tracing/memory"
	"github.com/PipeOpsHQ/finagent/types"
)

func samplePortfolio() *types.Portfolio {
	return &types.Portfolio{
		Currency: "USD",
		Cash:     1000,
		Holdings: []types.Holding{
			{Symbol: "AAPL", Quantity: 50, LastPrice: 180, CostBasis: 150, AssetClass: "equity"},
			{Symbol: "BND", Quantity: 10, LastPrice: 70, AssetClass: "bond"},
		},
	}
}

type harness struct {
	orch *orchestrator.Orchestrator
	gate *approval.Gate
	svc  *tracing.Service
}

func newHarness(t *testing.T) harness {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, builtin.Register(reg))

	gate, err := approval.NewGate(apmem.New())
	require.NoError(t, err)

	store := memory.New()
	svc, err := tracing.NewService(tracemem.New())
	require.NoError(t, err)

	exec, err := NewExecutor(Config{Registry: reg, Gate: gate},
		graph.WithStore(store), graph.WithMiddleware(svc.Middleware()))
	require.NoError(t, err)
	orch, err := orchestrator.New(exec,
		orchestrator.WithThreadStore(store),
		orchestrator.WithTracing(svc),
		orchestrator.WithPendingApprovals(gate))
	require.NoError(t, err)
	gate.SetResumer(orch)
	return harness{orch: orch, gate: gate, svc: svc}
}

func TestBuild_Compiles(t *testing.T) {
	g, err := Build(Config{})
	require.NoError(t, err)
	assert.Equal(t, NodeSupervisor, g.StartNodeID())
	assert.Len(t, g.NodeInfos(), 9)
}

func TestWorkflow_ApproveCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.orch.Run(ctx, "alice", orchestrator.RunInput{
		Message:   "How concentrated is my portfolio?",
		Portfolio: samplePortfolio(),
	})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusSuspended, res.Status, res.Error)
	assert.True(t, strings.HasPrefix(res.InterruptReason, "Approve running 3 analysis steps (observer, risk, synthesizer)"), res.InterruptReason)

	pending, err := h.gate.Pending(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.ThreadID, pending[0].ThreadID)
	assert.Equal(t, []string{builtin.PortfolioSummaryName, builtin.CalculatorName}, pending[0].Context.Plan.Tools)

	_, err = h.gate.Respond(ctx, pending[0].ID, "alice", true, "")
	require.NoError(t, err)

	snap, err := h.orch.GetState(ctx, "alice", res.ThreadID)
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.Contains(t, snap.State.Output, "Portfolio worth 10,700 USD across 2 positions.")
	assert.Contains(t, snap.State.Output, "Portfolio is concentrated: equity is 84.1% of value.")
	assert.Equal(t, string(approval.StatusApproved), snap.State.Data[KeyDecision])

	traces, err := h.orch.GetTraces(ctx, res.ThreadID, "alice")
	require.NoError(t, err)
	var nodes []string
	for _, tr := range traces {
		nodes = append(nodes, tr.NodeName)
	}
	assert.Equal(t, []string{NodeSupervisor, NodeGuardrail, NodeObserver, NodeRisk, NodeReflector, NodeApproval, NodeSynthesizer}, nodes)
	assert.Equal(t, tracing.StatusInterrupted, traces[5].Status)
	require.Len(t, traces[2].ToolResults, 1)
	assert.Equal(t, builtin.PortfolioSummaryName, traces[2].ToolResults[0].Tool)
}

func TestWorkflow_RejectedThenResumedDeclines(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.orch.Run(ctx, "alice", orchestrator.RunInput{
		Message:   "Summarise my holdings",
		Portfolio: samplePortfolio(),
	})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusSuspended, res.Status)

	pending, err := h.gate.Pending(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = h.gate.Respond(ctx, pending[0].ID, "bob", true, "")
	assert.ErrorIs(t, err, errdefs.ErrForbidden)

	rejected, err := h.gate.Respond(ctx, pending[0].ID, "alice", false, "too expensive")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, rejected.Status)

	snap, err := h.orch.GetState(ctx, "alice", res.ThreadID)
	require.NoError(t, err)
	assert.True(t, snap.Suspended())

	// The thread only moves on when the user resumes it. The rejected
	// approval wins over the affirmative text.
	done, err := h.orch.Resume(ctx, "alice", res.ThreadID, "yes")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, done.Status)
	assert.Contains(t, done.FinalState.Output, "not approved")
}

func TestWorkflow_ReplyOnThreadSettlesApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.orch.Run(ctx, "alice", orchestrator.RunInput{
		Message:   "How concentrated is my portfolio?",
		Portfolio: samplePortfolio(),
	})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusSuspended, res.Status)
	pending, err := h.gate.Pending(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Without a reply the unanswered approval blocks the thread.
	_, err = h.orch.Resume(ctx, "alice", res.ThreadID, "")
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	done, err := h.orch.Resume(ctx, "alice", res.ThreadID, "yes")
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusCompleted, done.Status)
	assert.Contains(t, done.FinalState.Output, "Portfolio is concentrated")

	settled, err := h.gate.Get(ctx, pending[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, settled.Status)
	assert.Equal(t, "yes", settled.Response)

	left, err := h.gate.Pending(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, left)

	_, err = h.gate.Respond(ctx, pending[0].ID, "alice", false, "changed my mind")
	assert.ErrorIs(t, err, errdefs.ErrConflict)
	settled, err = h.gate.Get(ctx, pending[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, settled.Status)
}

func TestWorkflow_NegativeReplyRejectsApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.orch.Run(ctx, "alice", orchestrator.RunInput{Message: "Summarise my holdings", Portfolio: samplePortfolio()})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusSuspended, res.Status)

	done, err := h.orch.Resume(ctx, "alice", res.ThreadID, "no thanks")
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusCompleted, done.Status)
	assert.Contains(t, done.FinalState.Output, "not approved")
	assert.Equal(t, string(approval.StatusRejected), done.FinalState.Data[KeyDecision])

	left, err := h.gate.Pending(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestWorkflow_WithoutGateReadsUserReply(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	exec, err := NewExecutor(Config{}, graph.WithStore(store))
	require.NoError(t, err)
	orch, err := orchestrator.New(exec, orchestrator.WithThreadStore(store))
	require.NoError(t, err)

	res, err := orch.Run(ctx, "alice", orchestrator.RunInput{Message: "What is the outlook?"})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusSuspended, res.Status)
	assert.Contains(t, res.InterruptReason, "(observer, synthesizer)")

	done, err := orch.Resume(ctx, "alice", res.ThreadID, "approve")
	require.NoError(t, err)
	require.Equal(t, orchestrator.StatusCompleted, done.Status)
	assert.Contains(t, done.FinalState.Output, "No portfolio was supplied")
}

func TestWorkflow_GuardrailTripsOnTightCeiling(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	exec, err := NewExecutor(Config{}, graph.WithStore(store))
	require.NoError(t, err)
	orch, err := orchestrator.New(exec, orchestrator.WithThreadStore(store))
	require.NoError(t, err)

	res, err := orch.Run(ctx, "alice", orchestrator.RunInput{Message: "hello", MaxIterations: 2})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "Iteration limit reached (2/2)")
	assert.Contains(t, res.Guidance, "step limit")
}

func TestReflection_RetriesMissingSpecialistOnce(t *testing.T) {
	w := &workflow{cfg: Config{Registry: tools.NewRegistry(), MaxReflections: 1}}
	s := &graph.State{}
	s.EnsureData()
	s.Data[KeyPlan] = []any{NodeObserver, NodeMacro}
	s.NodeOutputs[NodeObserver] = map[string]any{"content": "ok"}

	require.NoError(t, w.reflect(context.Background(), s))
	next, err := w.afterReflection(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{NodeSupervisor}, next)

	require.NoError(t, w.reflect(context.Background(), s))
	next, err = w.afterReflection(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{NodeApproval}, next)

	routes, err := fanOut(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{NodeObserver, NodeMacro}, routes)
}

func TestAffirmative(t *testing.T) {
	for _, yes := range []string{"approve", "Yes", " ok ", "go ahead please", "approved"} {
		assert.True(t, affirmative(yes), yes)
	}
	for _, no := range []string{"", "no", "reject", "not yet", "yesterday"} {
		assert.False(t, affirmative(no), no)
	}
}
