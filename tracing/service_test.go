package tracing_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/graph"
	"github.com/PipeOpsHQ/finagent/llm"
	"github.com/PipeOpsHQ/finagent/observe"
	"github.com/PipeOpsHQ/finagent/state/memory"
	"github.com/PipeOpsHQ/finagent/tools"
	"github.com/PipeOpsHQ/finagent/tracing"
	tracemem "github.com/PipeOpsHQ/finagent/tracing/memory"
	"github.com/PipeOpsHQ/finagent/types"
)

type collector struct {
	mu     sync.Mutex
	events []observe.Event
}

func (c *collector) Emit(_ context.Context, e observe.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) ofType(t observe.Type) []observe.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []observe.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type streamingProvider struct {
	chunks    []string
	reasoning string
	err       error
}

func (p *streamingProvider) Name() string { return "stream" }

func (p *streamingProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true}
}

func (p *streamingProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	return types.Response{Message: types.Message{
		Role:      types.RoleAssistant,
		Content:   strings.Join(p.chunks, ""),
		Reasoning: p.reasoning,
	}}, nil
}

func (p *streamingProvider) GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	for _, c := range p.chunks {
		if err := onChunk(types.StreamChunk{Text: c}); err != nil {
			return types.Response{}, err
		}
	}
	if p.err != nil {
		return types.Response{}, p.err
	}
	return p.Generate(ctx, req)
}

func newService(t *testing.T, opts ...tracing.Option) (*tracing.Service, *collector) {
	t.Helper()
	events := &collector{}
	svc, err := tracing.NewService(tracemem.New(), append([]tracing.Option{tracing.WithObserver(events)}, opts...)...)
	require.NoError(t, err)
	return svc, events
}

func TestMiddleware_RecordsEveryNodeInStepOrder(t *testing.T) {
	svc, events := newService(t)
	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewFuncTool("quote", "price quote", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]any{"price": 101.5}, nil
	}))

	g := graph.New("traced").
		AddNode("observer", &graph.LLMNode{Provider: &streamingProvider{chunks: []string{"Yields ", "rose"}}}).
		AddNode("supervisor", graph.NewRouterNode(func(ctx context.Context, s *graph.State) (string, error) {
			return "risk", nil
		})).
		AddNode("risk", graph.NewFuncNode(func(ctx context.Context, s *graph.State) error {
			_, err := registry.Invoke(ctx, "quote", json.RawMessage(`{}`))
			return err
		})).
		AddNode("approve", graph.NewFuncNode(func(ctx context.Context, s *graph.State) error {
			return graph.Interrupt("needs approval")
		})).
		AddEdge("observer", "supervisor", nil).
		AddEdge("supervisor", "risk", graph.RouteEquals("route", "risk")).
		AddEdge("risk", "approve", nil).
		SetStart("observer")

	exec, err := graph.NewExecutor(g, graph.WithStore(memory.New()), graph.WithMiddleware(svc.Middleware()))
	require.NoError(t, err)

	out, err := exec.Invoke(context.Background(), graph.State{
		UserID:   "alice",
		Messages: []types.Message{types.UserMessage("what changed?")},
	}, graph.Config{ThreadID: "alice:t"})
	require.NoError(t, err)
	require.True(t, out.Suspended())

	traces, err := svc.GetTraces(context.Background(), "alice:t")
	require.NoError(t, err)
	require.Len(t, traces, 4)
	for i, tr := range traces {
		assert.Equal(t, i, tr.StepIndex)
		assert.Equal(t, "alice", tr.UserID)
		assert.GreaterOrEqual(t, tr.DurationMs, int64(0))
	}

	assert.Equal(t, "observer", traces[0].NodeName)
	assert.Equal(t, tracing.StatusCompleted, traces[0].Status)
	assert.Equal(t, "Yields rose", traces[0].Reasoning)

	assert.Equal(t, "Routed to risk based on analysis", traces[1].Reasoning)

	assert.Equal(t, "Executed node: risk", traces[2].Reasoning)
	require.Len(t, traces[2].ToolResults, 1)
	assert.Equal(t, "quote", traces[2].ToolResults[0].Tool)

	assert.Equal(t, tracing.StatusInterrupted, traces[3].Status)

	tokens := events.ofType(observe.TypeGenerationToken)
	require.Len(t, tokens, 2)
	assert.Equal(t, "Yields ", tokens[0].Token)
	assert.Equal(t, "alice:t", tokens[0].ThreadID)
	assert.Equal(t, traces[0].ID, tokens[0].TraceID)

	assert.Len(t, events.ofType(observe.TypeNodeStart), 4)
	complete := events.ofType(observe.TypeNodeComplete)
	require.Len(t, complete, 4)
	assert.Equal(t, observe.StatusInterrupted, complete[3].Status)
}

func TestMiddleware_ExplicitReasoningWins(t *testing.T) {
	svc, _ := newService(t)
	g := graph.New("r").
		AddNode("macro", &graph.LLMNode{Provider: &streamingProvider{chunks: []string{"answer"}, reasoning: "because CPI"}}).
		SetStart("macro")
	exec, err := graph.NewExecutor(g, graph.WithMiddleware(svc.Middleware()))
	require.NoError(t, err)

	_, err = exec.Invoke(context.Background(), graph.State{UserID: "u"}, graph.Config{ThreadID: "u:r"})
	require.NoError(t, err)

	traces, err := svc.GetTraces(context.Background(), "u:r")
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "because CPI", traces[0].Reasoning)
}

func TestMiddleware_FailedNode(t *testing.T) {
	svc, _ := newService(t)
	g := graph.New("f").
		AddNode("boom", graph.NewFuncNode(func(ctx context.Context, s *graph.State) error {
			return errors.New("provider down")
		})).
		SetStart("boom")
	exec, err := graph.NewExecutor(g, graph.WithMiddleware(svc.Middleware()))
	require.NoError(t, err)

	out, err := exec.Invoke(context.Background(), graph.State{UserID: "u"}, graph.Config{ThreadID: "u:f"})
	require.NoError(t, err)
	require.True(t, out.Failed())

	traces, err := svc.GetTraces(context.Background(), "u:f")
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, tracing.StatusFailed, traces[0].Status)
	assert.Equal(t, "provider down", traces[0].Error)
}

func TestMiddleware_TruncatesLargeSnapshots(t *testing.T) {
	svc, _ := newService(t, tracing.WithMaxSnapshotBytes(256))
	g := graph.New("big").
		AddNode("load", graph.NewFuncNode(func(ctx context.Context, s *graph.State) error {
			s.NodeOutputs["load"] = map[string]any{
				"a": strings.Repeat("x", 400), "b": 1, "c": 2, "d": 3, "e": 4, "f": 5,
			}
			return nil
		})).
		SetStart("load")
	exec, err := graph.NewExecutor(g, graph.WithMiddleware(svc.Middleware()))
	require.NoError(t, err)
	_, err = exec.Invoke(context.Background(), graph.State{UserID: "u"}, graph.Config{ThreadID: "u:big"})
	require.NoError(t, err)

	traces, err := svc.GetTraces(context.Background(), "u:big")
	require.NoError(t, err)
	require.Len(t, traces, 1)

	var summary map[string]any
	require.NoError(t, json.Unmarshal(traces[0].Output, &summary))
	assert.Equal(t, true, summary["_truncated"])
	assert.Greater(t, summary["_size"].(float64), float64(256))
	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, summary["_keys"])
	preview := summary["_preview"].(map[string]any)
	assert.Len(t, preview, 5)
	assert.Equal(t, float64(1), preview["b"])
}

func seedTrace(t *testing.T, svc *tracing.Service) tracing.ReasoningTrace {
	t.Helper()
	g := graph.New("seed").
		AddNode("n", graph.NewFuncNode(func(ctx context.Context, s *graph.State) error { return nil })).
		SetStart("n")
	exec, err := graph.NewExecutor(g, graph.WithMiddleware(svc.Middleware()))
	require.NoError(t, err)
	_, err = exec.Invoke(context.Background(), graph.State{UserID: "u"}, graph.Config{ThreadID: "u:seed"})
	require.NoError(t, err)
	traces, err := svc.GetTraces(context.Background(), "u:seed")
	require.NoError(t, err)
	require.Len(t, traces, 1)
	return traces[0]
}

func TestUpdateStatus_Validation(t *testing.T) {
	svc, events := newService(t)
	store := tracemem.New()
	svc2, err := tracing.NewService(store, tracing.WithObserver(events))
	require.NoError(t, err)
	ctx := context.Background()

	err = svc.UpdateStatus(ctx, "missing", tracing.StatusFailed, 1, "")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	err = svc.UpdateStatus(ctx, "any", tracing.StatusRunning, -1, "")
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	err = svc.UpdateStatus(ctx, "any", tracing.Status("done"), 1, "")
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	require.NoError(t, store.Create(ctx, tracing.ReasoningTrace{ID: "t1", ThreadID: "u:x", UserID: "u", NodeName: "n", Status: tracing.StatusRunning}))
	require.NoError(t, svc2.UpdateStatus(ctx, "t1", tracing.StatusCompleted, 42, ""))
	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tracing.StatusCompleted, got.Status)
	assert.Equal(t, int64(42), got.DurationMs)
	assert.Len(t, events.ofType(observe.TypeTraceStatusUpdated), 1)

	err = svc2.UpdateStatus(ctx, "t1", tracing.StatusFailed, 1, "late")
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	completed := seedTrace(t, svc)
	assert.ErrorIs(t, svc.UpdateStatus(ctx, completed.ID, tracing.StatusRunning, 0, ""), errdefs.ErrConflict)

	require.NoError(t, store.Create(ctx, tracing.ReasoningTrace{ID: "t2", ThreadID: "u:y", UserID: "u", NodeName: "n", StepIndex: 0, Status: tracing.StatusPending}))
	assert.ErrorIs(t, svc2.UpdateStatus(ctx, "t2", tracing.StatusCompleted, 1, ""), errdefs.ErrConflict)
	assert.ErrorIs(t, svc2.UpdateStatus(ctx, "t2", tracing.StatusPending, 0, ""), errdefs.ErrConflict)
	require.NoError(t, svc2.UpdateStatus(ctx, "t2", tracing.StatusRunning, 0, ""))
	assert.ErrorIs(t, svc2.UpdateStatus(ctx, "t2", tracing.StatusRunning, 0, ""), errdefs.ErrConflict)
	assert.ErrorIs(t, svc2.UpdateStatus(ctx, "t2", tracing.StatusPending, 0, ""), errdefs.ErrConflict)
	require.NoError(t, svc2.UpdateStatus(ctx, "t2", tracing.StatusInterrupted, 5, ""))
	assert.ErrorIs(t, svc2.UpdateStatus(ctx, "t2", tracing.StatusCompleted, 5, ""), errdefs.ErrConflict)
}

func TestStatus_CanMoveTo(t *testing.T) {
	assert.True(t, tracing.StatusPending.CanMoveTo(tracing.StatusRunning))
	assert.False(t, tracing.StatusPending.CanMoveTo(tracing.StatusFailed))
	for _, next := range []tracing.Status{tracing.StatusCompleted, tracing.StatusFailed, tracing.StatusInterrupted} {
		assert.True(t, tracing.StatusRunning.CanMoveTo(next), next)
		assert.False(t, next.CanMoveTo(tracing.StatusRunning), next)
	}
	assert.False(t, tracing.StatusRunning.CanMoveTo(tracing.StatusRunning))
}

func TestAttachToolResults(t *testing.T) {
	svc, events := newService(t)
	ctx := context.Background()
	trace := seedTrace(t, svc)

	err := svc.AttachToolResults(ctx, trace.ID, []tracing.ToolResult{{Tool: ""}})
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	tooMany := make([]tracing.ToolResult, tracing.MaxToolResults+1)
	for i := range tooMany {
		tooMany[i].Tool = "FRED"
	}
	assert.ErrorIs(t, svc.AttachToolResults(ctx, trace.ID, tooMany), errdefs.ErrValidation)

	require.NoError(t, svc.AttachToolResults(ctx, trace.ID, []tracing.ToolResult{{Tool: "FRED", DurationMs: 3}}))
	traces, err := svc.GetTraces(ctx, "u:seed")
	require.NoError(t, err)
	require.Len(t, traces[0].ToolResults, 1)
	assert.Equal(t, "FRED", traces[0].ToolResults[0].Tool)
	assert.Len(t, events.ofType(observe.TypeTraceToolsAttached), 1)
}

type failingStore struct{ tracing.Store }

func (failingStore) NextStepIndex(context.Context, string) (int, error) {
	return 0, errors.New("disk full")
}

func TestMiddleware_TracingFailureDoesNotFailNode(t *testing.T) {
	svc, err := tracing.NewService(failingStore{tracemem.New()})
	require.NoError(t, err)
	ran := false
	g := graph.New("x").
		AddNode("n", graph.NewFuncNode(func(ctx context.Context, s *graph.State) error {
			ran = true
			return nil
		})).
		SetStart("n")
	exec, err := graph.NewExecutor(g, graph.WithMiddleware(svc.Middleware()))
	require.NoError(t, err)
	out, err := exec.Invoke(context.Background(), graph.State{UserID: "u"}, graph.Config{ThreadID: "u:x"})
	require.NoError(t, err)
	assert.True(t, out.Completed())
	assert.True(t, ran)
}

func TestMiddleware_KeepsPatchesMadeWhileNodeRuns(t *testing.T) {
	svc, events := newService(t)
	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewFuncTool("quote", "price quote", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
		return 1.0, nil
	}))

	g := graph.New("patched").
		AddNode("macro", graph.NewFuncNode(func(ctx context.Context, s *graph.State) error {
			run := tracing.RunFrom(ctx)
			if run == nil {
				return errors.New("no trace run in context")
			}
			if err := svc.AttachToolResults(ctx, run.TraceID, []tracing.ToolResult{{Tool: "FRED"}}); err != nil {
				return err
			}
			_, err := registry.Invoke(ctx, "quote", json.RawMessage(`{}`))
			return err
		})).
		AddNode("long", graph.NewFuncNode(func(ctx context.Context, s *graph.State) error {
			return svc.UpdateStatus(ctx, tracing.RunFrom(ctx).TraceID, tracing.StatusFailed, 7, "gave up upstream")
		})).
		AddEdge("macro", "long", nil).
		SetStart("macro")
	exec, err := graph.NewExecutor(g, graph.WithMiddleware(svc.Middleware()))
	require.NoError(t, err)

	_, err = exec.Invoke(context.Background(), graph.State{UserID: "u"}, graph.Config{ThreadID: "u:patched"})
	require.NoError(t, err)

	traces, err := svc.GetTraces(context.Background(), "u:patched")
	require.NoError(t, err)
	require.Len(t, traces, 2)

	require.Len(t, traces[0].ToolResults, 2)
	assert.Equal(t, "FRED", traces[0].ToolResults[0].Tool)
	assert.Equal(t, "quote", traces[0].ToolResults[1].Tool)
	assert.Equal(t, tracing.StatusCompleted, traces[0].Status)

	assert.Equal(t, tracing.StatusFailed, traces[1].Status)
	assert.Equal(t, "gave up upstream", traces[1].Error)
	assert.Equal(t, int64(7), traces[1].DurationMs)
	assert.Len(t, events.ofType(observe.TypeTraceStatusUpdated), 1)
}

func TestRunFlush_ShowsToolResultsBeforeNodeEnds(t *testing.T) {
	svc, events := newService(t)
	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewFuncTool("quote", "price quote", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
		return 1.0, nil
	}))

	var midNode []tracing.ToolResult
	g := graph.New("flush").
		AddNode("macro", graph.NewFuncNode(func(ctx context.Context, s *graph.State) error {
			if _, err := registry.Invoke(ctx, "quote", json.RawMessage(`{}`)); err != nil {
				return err
			}
			tracing.RunFrom(ctx).Flush(ctx)
			traces, err := svc.GetTraces(ctx, s.ThreadID)
			if err != nil {
				return err
			}
			midNode = traces[0].ToolResults
			return nil
		})).
		SetStart("macro")
	exec, err := graph.NewExecutor(g, graph.WithMiddleware(svc.Middleware()))
	require.NoError(t, err)
	_, err = exec.Invoke(context.Background(), graph.State{UserID: "u"}, graph.Config{ThreadID: "u:flush"})
	require.NoError(t, err)

	require.Len(t, midNode, 1)
	assert.Equal(t, "quote", midNode[0].Tool)
	traces, err := svc.GetTraces(context.Background(), "u:flush")
	require.NoError(t, err)
	require.Len(t, traces[0].ToolResults, 1)
	assert.Len(t, events.ofType(observe.TypeTraceToolsAttached), 1)

	// outside a traced node there is nothing to flush
	tracing.RunFrom(context.Background()).Flush(context.Background())
}

func TestMiddleware_KeepsStreamedTextOfFailedGeneration(t *testing.T) {
	svc, _ := newService(t)
	g := graph.New("cut").
		AddNode("macro", &graph.LLMNode{Provider: &streamingProvider{
			chunks: []string{"Ten-year yields ", "climbed to"},
			err:    errors.New("stream reset"),
		}}).
		SetStart("macro")
	exec, err := graph.NewExecutor(g, graph.WithMiddleware(svc.Middleware()))
	require.NoError(t, err)
	out, err := exec.Invoke(context.Background(), graph.State{UserID: "u"}, graph.Config{ThreadID: "u:cut"})
	require.NoError(t, err)
	require.True(t, out.Failed())

	traces, err := svc.GetTraces(context.Background(), "u:cut")
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, tracing.StatusFailed, traces[0].Status)
	var output map[string]any
	require.NoError(t, json.Unmarshal(traces[0].Output, &output))
	assert.Equal(t, "Ten-year yields climbed to", output["partial"])
}
