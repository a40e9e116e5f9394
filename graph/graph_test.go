package graph

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/llm"
	"github.com/PipeOpsHQ/finagent/observe"
	"github.com/PipeOpsHQ/finagent/state"
	"github.com/PipeOpsHQ/finagent/state/memory"
	"github.com/PipeOpsHQ/finagent/tools"
	"github.com/PipeOpsHQ/finagent/types"
)

func noop(ctx context.Context, s *State) error { return nil }

type scriptedProvider struct {
	mu        sync.Mutex
	responses []types.Response
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Capabilities() llm.Capabilities { return llm.Capabilities{Tools: true} }

func (p *scriptedProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return types.Response{}, errors.New("no scripted response left")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []observe.Event
}

func (l *eventLog) Emit(ctx context.Context, event observe.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) types() []observe.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]observe.Type, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func TestGraphCompile_Validation(t *testing.T) {
	g := New("test")
	g.AddNode("start", NewFuncNode(noop))
	g.SetStart("start")
	g.AddEdge("start", "missing", nil)

	if err := g.Compile(); err == nil {
		t.Fatalf("expected compile error for missing edge node")
	}
}

func TestGraphCompile_RouterTargetsMustExist(t *testing.T) {
	g := New("router").
		AddNode("a", NewFuncNode(noop)).
		AddRouter("a", func(ctx context.Context, s *State) ([]string, error) { return nil, nil }, "b", End).
		SetStart("a")
	if err := g.Compile(); err == nil {
		t.Fatalf("expected compile error for undeclared router target")
	}
}

func TestGraphCompile_RejectsEdgesAndRouterOnSameNode(t *testing.T) {
	g := New("mixed").
		AddNode("a", NewFuncNode(noop)).
		AddNode("b", NewFuncNode(noop)).
		AddEdge("a", "b", nil).
		AddRouter("a", func(ctx context.Context, s *State) ([]string, error) { return []string{"b"}, nil }, "b").
		SetStart("a")
	if err := g.Compile(); err == nil {
		t.Fatalf("expected compile error for node with edges and router")
	}
}

func TestGraphCompile_DetectsCyclesByDefault(t *testing.T) {
	g := New("cycle")
	g.AddNode("a", NewFuncNode(noop))
	g.AddNode("b", NewFuncNode(noop))
	g.SetStart("a")
	g.AddEdge("a", "b", nil)
	g.AddEdge("b", "a", nil)

	if err := g.Compile(); err == nil {
		t.Fatalf("expected cycle compile error")
	}

	if err := g.AllowCycles(true).Compile(); err != nil {
		t.Fatalf("expected compile success with allowed cycles: %v", err)
	}
}

func TestGraphCompile_FreezesGraph(t *testing.T) {
	g := New("frozen").AddNode("a", NewFuncNode(noop)).SetStart("a")
	if err := g.Compile(); err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	g.AddNode("b", NewFuncNode(noop))
	if err := g.Compile(); err == nil {
		t.Fatalf("expected modification after compile to be rejected")
	}
}

func TestExecutor_Invoke_DeterministicThreeNodes(t *testing.T) {
	store := memory.New()
	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewFuncTool("echo", "echoes", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]any{"echo": string(args)}, nil
	}))
	provider := &scriptedProvider{responses: []types.Response{
		{Message: types.Message{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"q":"x"}`)}}}},
		{Message: types.Message{Role: types.RoleAssistant, Content: "ok", Reasoning: "tool said x"}},
	}}

	g := New("pipeline")
	g.AddNode("prepare", NewFuncNode(func(ctx context.Context, s *State) error {
		s.Data["prepared"] = strings.ToUpper(s.Input)
		return nil
	}))
	g.AddNode("agent", &LLMNode{
		Provider:  provider,
		Tools:     []string{"echo"},
		Registry:  registry,
		OutputKey: "agent_result",
	})
	g.AddNode("finalize", NewFuncNode(func(ctx context.Context, s *State) error {
		v, _ := s.Data["agent_result"].(string)
		s.Output = "FINAL " + v + ":" + s.Data["prepared"].(string)
		return nil
	}))
	g.SetStart("prepare")
	g.AddEdge("prepare", "agent", nil)
	g.AddEdge("agent", "finalize", Always)

	executor, err := NewExecutor(g, WithStore(store))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}

	out, err := executor.Invoke(context.Background(), State{
		UserID:   "alice",
		Input:    "hello",
		Messages: []types.Message{types.UserMessage("hello")},
	}, Config{ThreadID: "alice:t1"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if !out.Completed() {
		t.Fatalf("expected completed outcome, got %s (%v)", out.Status, out.Err)
	}
	if out.State.Output != "FINAL ok:HELLO" {
		t.Fatalf("unexpected output: %q", out.State.Output)
	}
	if len(out.Steps) != 3 || out.Steps[0] != "prepare" || out.Steps[2] != "finalize" {
		t.Fatalf("unexpected steps: %#v", out.Steps)
	}
	if out.State.Iteration != 3 {
		t.Fatalf("expected 3 supersteps, got %d", out.State.Iteration)
	}
	// user, assistant tool call, tool result, assistant answer
	if len(out.State.Messages) != 4 || out.State.Messages[2].Role != types.RoleTool {
		t.Fatalf("unexpected messages: %#v", out.State.Messages)
	}
	agentOut, _ := out.State.NodeOutputs["agent"].(map[string]any)
	if agentOut["reasoning"] != "tool said x" {
		t.Fatalf("expected reasoning in node outputs, got %#v", out.State.NodeOutputs)
	}

	thread, err := store.LoadThread(context.Background(), "alice:t1")
	if err != nil {
		t.Fatalf("load thread failed: %v", err)
	}
	if thread.Status != state.ThreadCompleted || thread.OwnerID != "alice" {
		t.Fatalf("unexpected thread record: %#v", thread)
	}

	checkpoints, err := store.ListCheckpoints(context.Background(), "alice:t1", 10)
	if err != nil {
		t.Fatalf("list checkpoints failed: %v", err)
	}
	if len(checkpoints) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(checkpoints))
	}
}

func TestExecutor_Resume_FromCheckpointAfterFailure(t *testing.T) {
	store := memory.New()
	var midCalls int

	g := New("resume")
	g.AddNode("a", NewFuncNode(func(ctx context.Context, s *State) error {
		s.Data["v"] = "from-a"
		return nil
	}))
	g.AddNode("b", NewFuncNode(func(ctx context.Context, s *State) error {
		midCalls++
		if midCalls == 1 {
			return errors.New("transient node error")
		}
		s.Data["v"] = "from-b"
		return nil
	}))
	g.AddNode("c", NewFuncNode(func(ctx context.Context, s *State) error {
		s.Output = "done"
		return nil
	}))
	g.SetStart("a")
	g.AddEdge("a", "b", nil)
	g.AddEdge("b", "c", nil)

	executor, err := NewExecutor(g, WithStore(store))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}

	cfg := Config{ThreadID: "bob:r"}
	first, err := executor.Invoke(context.Background(), State{UserID: "bob", Input: "input"}, cfg)
	if err != nil {
		t.Fatalf("invoke returned pre-run error: %v", err)
	}
	if !first.Failed() || first.Err == nil {
		t.Fatalf("expected failed outcome, got %s", first.Status)
	}
	if len(first.State.Errors) != 1 {
		t.Fatalf("expected failure recorded in state errors, got %#v", first.State.Errors)
	}

	threads, err := store.ListThreads(context.Background(), state.ListThreadsQuery{OwnerID: "bob"})
	if err != nil {
		t.Fatalf("list threads failed: %v", err)
	}
	if len(threads) != 1 || threads[0].Status != state.ThreadFailed {
		t.Fatalf("expected one failed thread, got %#v", threads)
	}

	resumed, err := executor.Resume(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !resumed.Completed() || resumed.State.Output != "done" {
		t.Fatalf("unexpected resumed outcome: %s %q", resumed.Status, resumed.State.Output)
	}
	if len(resumed.Steps) != 2 {
		t.Fatalf("expected resume steps length 2, got %d", len(resumed.Steps))
	}

	latest, err := store.LoadLatestCheckpoint(context.Background(), cfg.ThreadID)
	if err != nil {
		t.Fatalf("load latest checkpoint failed: %v", err)
	}
	if latest.Seq != 3 {
		t.Fatalf("expected latest checkpoint seq 3, got %d", latest.Seq)
	}

	thread, err := store.LoadThread(context.Background(), cfg.ThreadID)
	if err != nil {
		t.Fatalf("load thread failed: %v", err)
	}
	if thread.Status != state.ThreadCompleted {
		t.Fatalf("expected completed status after resume, got %q", thread.Status)
	}
	if thread.CompletedAt == nil || thread.CompletedAt.Before(time.Now().Add(-2*time.Minute)) {
		t.Fatalf("expected recent completion timestamp")
	}
}

func approvalGraph(finalized *int) *Graph {
	return New("approval").
		AddNode("analyze", NewFuncNode(func(ctx context.Context, s *State) error {
			s.Messages = append(s.Messages, types.AssistantMessage("analysis ready"))
			return nil
		})).
		AddNode("approve", NewFuncNode(func(ctx context.Context, s *State) error {
			return Interrupt("cost approval required")
		})).
		AddNode("finalize", NewFuncNode(func(ctx context.Context, s *State) error {
			*finalized++
			s.Output = "report"
			return nil
		})).
		AddEdge("analyze", "approve", nil).
		AddRouter("approve", func(ctx context.Context, s *State) ([]string, error) {
			if approved, _ := s.Data["approved"].(bool); approved {
				return []string{"finalize"}, nil
			}
			return []string{End}, nil
		}, "finalize", End).
		SetStart("analyze")
}

func TestExecutor_InterruptUpdateResume(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	events := &eventLog{}
	var finalized int

	executor, err := NewExecutor(approvalGraph(&finalized), WithStore(store), WithObserver(events))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	cfg := Config{ThreadID: "carol:x"}

	out, err := executor.Invoke(ctx, State{
		UserID:    "carol",
		Messages:  []types.Message{types.UserMessage("should I rebalance?")},
		Portfolio: &types.Portfolio{Cash: 100},
	}, cfg)
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if !out.Suspended() || out.Reason != "cost approval required" || out.Node != "approve" {
		t.Fatalf("expected suspension at approve, got %#v", out)
	}
	if finalized != 0 {
		t.Fatalf("finalize must not run before approval")
	}

	snap, err := executor.GetState(ctx, cfg)
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if !snap.Suspended() || snap.InterruptedNode != "approve" || snap.Done {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}

	if _, err := executor.Invoke(ctx, State{UserID: "carol"}, cfg); !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("expected conflict invoking a suspended thread, got %v", err)
	}

	if err := executor.UpdateState(ctx, cfg, Patch{
		Messages: []types.Message{types.UserMessage("approved")},
		Data:     map[string]any{"approved": true},
	}); err != nil {
		t.Fatalf("update state failed: %v", err)
	}
	updated, err := executor.GetState(ctx, cfg)
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if updated.Seq != snap.Seq+1 || updated.InterruptedNode != "approve" {
		t.Fatalf("update must add a checkpoint and keep the cursor: %#v", updated)
	}

	resumed, err := executor.Resume(ctx, cfg)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !resumed.Completed() || finalized != 1 || resumed.State.Output != "report" {
		t.Fatalf("unexpected resumed outcome: %#v", resumed)
	}
	if len(resumed.State.Messages) != 3 {
		t.Fatalf("expected messages preserved across resume, got %d", len(resumed.State.Messages))
	}
	if resumed.State.Portfolio == nil || resumed.State.Portfolio.Cash != 100 {
		t.Fatalf("expected portfolio preserved across resume")
	}
	if resumed.State.Iteration != 3 {
		t.Fatalf("expected iteration 3 after resume, got %d", resumed.State.Iteration)
	}

	var suspended, completed bool
	for _, typ := range events.types() {
		suspended = suspended || typ == observe.TypeRunSuspended
		completed = completed || typ == observe.TypeRunCompleted
	}
	if !suspended || !completed {
		t.Fatalf("expected suspended and completed events, got %v", events.types())
	}
	for _, e := range events.events {
		if e.ThreadID != "carol:x" || e.UserID != "carol" {
			t.Fatalf("event missing thread or user: %#v", e)
		}
	}
}

func TestExecutor_ResumeRejectedRouteEnds(t *testing.T) {
	ctx := context.Background()
	var finalized int
	executor, err := NewExecutor(approvalGraph(&finalized), WithStore(memory.New()))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	cfg := Config{ThreadID: "dan:y"}
	if _, err := executor.Invoke(ctx, State{UserID: "dan"}, cfg); err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	out, err := executor.Resume(ctx, cfg)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !out.Completed() || finalized != 0 {
		t.Fatalf("expected completion without finalize, got %s finalized=%d", out.Status, finalized)
	}
}

func TestExecutor_GuardrailAtCeiling(t *testing.T) {
	var runs int
	g := New("loop").
		AddNode("think", NewFuncNode(func(ctx context.Context, s *State) error {
			runs++
			return nil
		})).
		AddRouter("think", func(ctx context.Context, s *State) ([]string, error) {
			return []string{"think"}, nil
		}, "think", End).
		SetStart("think").
		AllowCycles(true)

	executor, err := NewExecutor(g, WithStore(memory.New()))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	out, err := executor.Invoke(context.Background(), State{UserID: "eve", MaxIterations: 3}, Config{ThreadID: "eve:loop"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if !out.Failed() || !errors.Is(out.Err, errdefs.ErrGuardrail) {
		t.Fatalf("expected guardrail failure, got %s %v", out.Status, out.Err)
	}
	if out.Err.Error() != "Iteration limit reached (3/3)" {
		t.Fatalf("unexpected guardrail message: %q", out.Err.Error())
	}
	if runs != 3 || out.State.Iteration != 3 {
		t.Fatalf("expected 3 runs and iteration 3, got runs=%d iteration=%d", runs, out.State.Iteration)
	}
}

func TestExecutor_InvokeKeepsCallerIteration(t *testing.T) {
	var runs int
	g := New("loop").
		AddNode("think", NewFuncNode(func(ctx context.Context, s *State) error {
			runs++
			return nil
		})).
		AddRouter("think", func(ctx context.Context, s *State) ([]string, error) {
			return []string{"think"}, nil
		}, "think", End).
		SetStart("think").
		AllowCycles(true)
	executor, err := NewExecutor(g, WithStore(memory.New()))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	ctx := context.Background()

	out, err := executor.Invoke(ctx, State{UserID: "eve", Iteration: 3, MaxIterations: 3}, Config{ThreadID: "eve:full"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if !out.Failed() || !errors.Is(out.Err, errdefs.ErrGuardrail) {
		t.Fatalf("expected guardrail failure, got %s %v", out.Status, out.Err)
	}
	if out.Err.Error() != "Iteration limit reached (3/3)" {
		t.Fatalf("unexpected guardrail message: %q", out.Err.Error())
	}
	if runs != 0 || len(out.Steps) != 0 {
		t.Fatalf("expected no node to run, got runs=%d steps=%v", runs, out.Steps)
	}

	out, err = executor.Invoke(ctx, State{UserID: "eve", Iteration: 2, MaxIterations: 3}, Config{ThreadID: "eve:one-left"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if !out.Failed() || !errors.Is(out.Err, errdefs.ErrGuardrail) {
		t.Fatalf("expected guardrail failure after one superstep, got %s %v", out.Status, out.Err)
	}
	if runs != 1 || out.State.Iteration != 3 || len(out.Steps) != 1 {
		t.Fatalf("expected exactly one superstep, got runs=%d iteration=%d steps=%v", runs, out.State.Iteration, out.Steps)
	}

	_, err = executor.Invoke(ctx, State{UserID: "eve", Iteration: -1}, Config{ThreadID: "eve:negative"})
	if !errors.Is(err, errdefs.ErrValidation) {
		t.Fatalf("expected validation error for negative iteration, got %v", err)
	}
}

func TestExecutor_DefaultMaxIterations(t *testing.T) {
	g := New("loop").
		AddNode("think", NewFuncNode(noop)).
		AddRouter("think", func(ctx context.Context, s *State) ([]string, error) {
			return []string{"think"}, nil
		}, "think").
		SetStart("think").
		AllowCycles(true)
	executor, err := NewExecutor(g)
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	out, err := executor.Invoke(context.Background(), State{}, Config{ThreadID: "u:loop"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if out.State.Iteration != DefaultMaxIterations || out.State.MaxIterations != DefaultMaxIterations {
		t.Fatalf("expected default ceiling %d, got %d/%d", DefaultMaxIterations, out.State.Iteration, out.State.MaxIterations)
	}
}

func TestExecutor_FanOutRunsFrontierInOrder(t *testing.T) {
	var order []string
	record := func(id string) Func {
		return func(ctx context.Context, s *State) error {
			order = append(order, id)
			return nil
		}
	}
	g := New("fanout").
		AddNode("supervisor", NewFuncNode(record("supervisor"))).
		AddNode("macro", NewFuncNode(record("macro"))).
		AddNode("risk", NewFuncNode(record("risk"))).
		AddNode("merge", NewFuncNode(record("merge"))).
		AddRouter("supervisor", func(ctx context.Context, s *State) ([]string, error) {
			return []string{"risk", "macro"}, nil
		}, "macro", "risk").
		AddEdge("macro", "merge", nil).
		AddEdge("risk", "merge", nil).
		SetStart("supervisor")

	executor, err := NewExecutor(g, WithStore(memory.New()))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	out, err := executor.Invoke(context.Background(), State{UserID: "f"}, Config{ThreadID: "f:1"})
	if err != nil || !out.Completed() {
		t.Fatalf("invoke failed: %v %v", err, out.Err)
	}
	want := "supervisor,risk,macro,merge"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("expected order %s, got %s", want, got)
	}
	if out.State.Iteration != 3 {
		t.Fatalf("expected 3 supersteps, got %d", out.State.Iteration)
	}
}

func TestExecutor_InvokeContinuesCompletedThread(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	g := New("chat").AddNode("reply", NewFuncNode(func(ctx context.Context, s *State) error {
		s.Messages = append(s.Messages, types.AssistantMessage("ack"))
		return nil
	})).SetStart("reply")
	executor, err := NewExecutor(g, WithStore(store))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	cfg := Config{ThreadID: "g:chat"}
	if _, err := executor.Invoke(ctx, State{UserID: "g", Messages: []types.Message{types.UserMessage("one")}}, cfg); err != nil {
		t.Fatalf("first invoke failed: %v", err)
	}
	out, err := executor.Invoke(ctx, State{UserID: "g", Messages: []types.Message{types.UserMessage("two")}}, cfg)
	if err != nil {
		t.Fatalf("second invoke failed: %v", err)
	}
	if len(out.State.Messages) != 4 {
		t.Fatalf("expected conversation to carry over, got %d messages", len(out.State.Messages))
	}
	if out.State.Iteration != 2 || out.Seq != 2 {
		t.Fatalf("expected iteration 2 and seq 2, got %d and %d", out.State.Iteration, out.Seq)
	}

	if _, err := executor.Invoke(ctx, State{UserID: "mallory"}, cfg); !errors.Is(err, errdefs.ErrForbidden) {
		t.Fatalf("expected forbidden for a different user, got %v", err)
	}
}

func TestExecutor_MiddlewareWrapsNodes(t *testing.T) {
	var trail []string
	mw := func(tag string) Middleware {
		return func(next NodeFunc) NodeFunc {
			return func(ctx context.Context, nodeID string, st *State) error {
				if NodeIDFrom(ctx) != nodeID {
					t.Errorf("node id missing from context")
				}
				trail = append(trail, tag+">"+nodeID)
				err := next(ctx, nodeID, st)
				trail = append(trail, tag+"<"+nodeID)
				return err
			}
		}
	}
	g := New("mw").AddNode("a", NewFuncNode(noop)).SetStart("a")
	executor, err := NewExecutor(g, WithMiddleware(mw("outer"), mw("inner")))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	if _, err := executor.Invoke(context.Background(), State{}, Config{ThreadID: "u:mw"}); err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	want := "outer>a,inner>a,inner<a,outer<a"
	if got := strings.Join(trail, ","); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestExecutor_StoreRequiredErrors(t *testing.T) {
	g := New("nostore").AddNode("a", NewFuncNode(noop)).SetStart("a")
	executor, err := NewExecutor(g)
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	ctx := context.Background()
	if _, err := executor.GetState(ctx, Config{ThreadID: "u:t"}); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("expected configuration error from GetState, got %v", err)
	}
	if _, err := executor.Resume(ctx, Config{ThreadID: "u:t"}); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("expected configuration error from Resume, got %v", err)
	}
	if err := executor.UpdateState(ctx, Config{ThreadID: "u:t"}, Patch{}); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("expected configuration error from UpdateState, got %v", err)
	}

	withStore, err := NewExecutor(New("s").AddNode("a", NewFuncNode(noop)).SetStart("a"), WithStore(memory.New()))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	if _, err := withStore.GetState(ctx, Config{ThreadID: "u:missing"}); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := withStore.Invoke(ctx, State{}, Config{}); !errors.Is(err, errdefs.ErrValidation) {
		t.Fatalf("expected validation error without thread id, got %v", err)
	}
}

func TestExecutor_ConcurrentThreadsDoNotShareState(t *testing.T) {
	store := memory.New()
	var (
		mu        sync.Mutex
		finalized int
	)
	g := New("approval").
		AddNode("analyze", NewFuncNode(func(ctx context.Context, s *State) error {
			s.Messages = append(s.Messages, types.AssistantMessage("analysis ready"))
			return nil
		})).
		AddNode("approve", NewFuncNode(func(ctx context.Context, s *State) error {
			return Interrupt("cost approval required")
		})).
		AddNode("finalize", NewFuncNode(func(ctx context.Context, s *State) error {
			mu.Lock()
			finalized++
			mu.Unlock()
			s.Output = "report for " + s.UserID
			return nil
		})).
		AddEdge("analyze", "approve", nil).
		AddRouter("approve", func(ctx context.Context, s *State) ([]string, error) {
			if approved, _ := s.Data["approved"].(bool); approved {
				return []string{"finalize"}, nil
			}
			return []string{End}, nil
		}, "finalize", End).
		SetStart("analyze")
	executor, err := NewExecutor(g, WithStore(store))
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := "user" + strings.Repeat("x", i)
			cfg := Config{ThreadID: user + ":t"}
			ctx := context.Background()
			out, err := executor.Invoke(ctx, State{UserID: user, Messages: []types.Message{types.UserMessage(user)}}, cfg)
			if err != nil || !out.Suspended() {
				errs <- errors.Join(err, errors.New(user+": expected suspension"))
				return
			}
			if err := executor.UpdateState(ctx, cfg, Patch{Data: map[string]any{"approved": true}}); err != nil {
				errs <- err
				return
			}
			out, err = executor.Resume(ctx, cfg)
			switch {
			case err != nil:
				errs <- err
			case out.State.Output != "report for "+user:
				errs <- errors.New(user + ": got output " + out.State.Output)
			case len(out.State.Messages) != 2 || out.State.Messages[0].Content != user:
				errs <- errors.New(user + ": messages leaked between threads")
			case out.State.Iteration != 3:
				errs <- errors.New(user + ": unexpected iteration count")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent thread failed: %v", err)
	}
	if finalized != n {
		t.Fatalf("expected %d finalized threads, got %d", n, finalized)
	}
}
