package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/graph"
	"github.com/PipeOpsHQ/finagent/llm"
	"github.com/PipeOpsHQ/finagent/logging"
	"github.com/PipeOpsHQ/finagent/observe"
	"github.com/PipeOpsHQ/finagent/tools"
	"github.com/PipeOpsHQ/finagent/types"
)

const (
	MaxToolResults = 100

	createAttempts = 3
)

type Service struct {
	store            Store
	observer         observe.Sink
	logger           *slog.Logger
	maxSnapshotBytes int
	now              func() time.Time
}

type Option func(*Service)

func WithObserver(sink observe.Sink) Option {
	return func(s *Service) { s.observer = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMaxSnapshotBytes(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSnapshotBytes = n
		}
	}
}

func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errdefs.Configuration("trace store is required")
	}
	s := &Service{
		store:            store,
		maxSnapshotBytes: DefaultMaxSnapshotBytes,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s, nil
}

// Middleware traces every node of a graph. The pending and running records
// are written before the node body runs; everything after is best effort.
func (s *Service) Middleware() graph.Middleware {
	return func(next graph.NodeFunc) graph.NodeFunc {
		return func(ctx context.Context, nodeID string, st *graph.State) error {
			run, trace := s.begin(ctx, nodeID, st)
			ctx = WithRun(ctx, run)
			ctx = tools.WithRecorder(ctx, run)
			ctx = llm.WithStreamObserver(ctx, run)

			before := beforeNode{messages: len(st.Messages), route: routeOf(st)}
			started := s.now()
			err := next(ctx, nodeID, st)
			if trace != nil {
				s.finish(ctx, run, *trace, st, before, started, err)
			}
			return err
		}
	}
}

type beforeNode struct {
	messages int
	route    string
}

func (s *Service) begin(ctx context.Context, nodeID string, st *graph.State) (*Run, *ReasoningTrace) {
	run := &Run{service: s, ThreadID: st.ThreadID, UserID: st.UserID, Node: nodeID}
	now := s.now()
	trace := ReasoningTrace{
		ID:        uuid.NewString(),
		ThreadID:  st.ThreadID,
		UserID:    st.UserID,
		NodeName:  nodeID,
		Input:     snapshot(st, s.maxSnapshotBytes),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		if trace.StepIndex, err = s.store.NextStepIndex(ctx, st.ThreadID); err != nil {
			break
		}
		if err = s.store.Create(ctx, trace); !errors.Is(err, ErrConflict) {
			break
		}
	}
	if err != nil {
		s.logger.Warn("failed to create trace", "thread_id", st.ThreadID, "node", nodeID, "error", err)
		return run, nil
	}

	trace.Status = StatusRunning
	trace.UpdatedAt = s.now()
	if err := s.store.Update(ctx, trace); err != nil {
		s.logger.Warn("failed to mark trace running", "thread_id", st.ThreadID, "node", nodeID, "error", err)
	}
	run.TraceID = trace.ID
	run.Step = trace.StepIndex
	run.emit(ctx, observe.Event{Type: observe.TypeNodeStart, Status: observe.StatusStarted})
	return run, &trace
}

// finish writes the outcome of the node. Tool results attached to the stored
// trace while the node ran are kept ahead of the ones recorded by the run, and
// a status already made terminal through UpdateStatus is left alone.
func (s *Service) finish(ctx context.Context, run *Run, trace ReasoningTrace, st *graph.State, before beforeNode, started time.Time, runErr error) {
	if stored, err := s.store.Get(ctx, trace.ID); err == nil {
		trace.ToolResults = stored.ToolResults
		trace.Status = stored.Status
		trace.DurationMs = stored.DurationMs
		trace.Error = stored.Error
	} else {
		s.logger.Warn("failed to reload trace", "thread_id", trace.ThreadID, "node", trace.NodeName, "error", err)
	}
	trace.ToolResults = append(trace.ToolResults, run.ToolResults()...)
	if len(trace.ToolResults) > MaxToolResults {
		trace.ToolResults = trace.ToolResults[:MaxToolResults]
	}
	trace.Reasoning = extractReasoning(run, st, before)
	trace.UpdatedAt = s.now()

	var output any = st.NodeOutputs[run.Node]
	if output == nil {
		output = map[string]any{
			"output":   st.Output,
			"messages": newMessages(st, before.messages),
		}
	}
	if partial := run.partial(); partial != "" {
		output = map[string]any{"result": output, "partial": partial}
	}
	trace.Output = snapshot(output, s.maxSnapshotBytes)

	event := observe.Event{Type: observe.TypeNodeComplete}
	status := StatusCompleted
	switch ie, interrupted := graph.AsInterrupt(runErr); {
	case runErr == nil:
		event.Status = observe.StatusCompleted
	case interrupted:
		status = StatusInterrupted
		event.Status = observe.StatusInterrupted
		event.Message = ie.Reason
	default:
		status = StatusFailed
		event.Status = observe.StatusFailed
		event.Error = runErr.Error()
	}
	if !trace.Status.Terminal() {
		trace.Status = status
		trace.DurationMs = max(s.now().Sub(started).Milliseconds(), 0)
		trace.Error = event.Error
	}
	event.DurationMs = trace.DurationMs

	if err := s.store.Update(ctx, trace); err != nil {
		s.logger.Warn("failed to complete trace", "thread_id", trace.ThreadID, "node", trace.NodeName, "step", trace.StepIndex, "error", err)
	}
	event.Attributes = map[string]any{"tools": len(trace.ToolResults)}
	run.emit(ctx, event)
}

// extractReasoning picks, in order: an explicit reasoning field, the last
// assistant content generated by the node, the routing decision, and finally
// a generic description.
func extractReasoning(run *Run, st *graph.State, before beforeNode) string {
	if out, ok := st.NodeOutputs[run.Node].(map[string]any); ok {
		if r, ok := out["reasoning"].(string); ok && r != "" {
			return r
		}
	}
	added := newMessages(st, before.messages)
	for i := len(added) - 1; i >= 0; i-- {
		if added[i].Role == types.RoleAssistant && added[i].Reasoning != "" {
			return added[i].Reasoning
		}
	}
	if msg, ok := run.lastGenerated(); ok {
		if msg.Reasoning != "" {
			return msg.Reasoning
		}
		return msg.Content
	}
	for i := len(added) - 1; i >= 0; i-- {
		if added[i].Role == types.RoleAssistant && added[i].Content != "" {
			return added[i].Content
		}
	}
	if route := routeOf(st); route != "" && route != before.route {
		return fmt.Sprintf("Routed to %s based on analysis", route)
	}
	return "Executed node: " + run.Node
}

func routeOf(st *graph.State) string {
	if st == nil || st.Data == nil {
		return ""
	}
	route, _ := st.Data["route"].(string)
	return route
}

func newMessages(st *graph.State, from int) []types.Message {
	if from < 0 || from > len(st.Messages) {
		return nil
	}
	return st.Messages[from:]
}

// GetTraces returns the traces of a thread in step order.
func (s *Service) GetTraces(ctx context.Context, threadID string) ([]ReasoningTrace, error) {
	if threadID == "" {
		return nil, errdefs.Validation("thread id is required")
	}
	return s.store.ListByThread(ctx, threadID)
}

func (s *Service) get(ctx context.Context, traceID string) (ReasoningTrace, error) {
	if traceID == "" {
		return ReasoningTrace{}, errdefs.Validation("trace id is required")
	}
	trace, err := s.store.Get(ctx, traceID)
	if errors.Is(err, ErrNotFound) {
		return ReasoningTrace{}, errdefs.NotFound("trace %q not found", traceID)
	}
	return trace, err
}

// UpdateStatus moves a trace along pending -> running -> completed, failed
// or interrupted. Any other transition is a conflict.
func (s *Service) UpdateStatus(ctx context.Context, traceID string, status Status, durationMs int64, errText string) error {
	if !status.Valid() {
		return errdefs.Validation("invalid trace status %q", status)
	}
	if durationMs < 0 {
		return errdefs.Validation("duration must not be negative")
	}
	trace, err := s.get(ctx, traceID)
	if err != nil {
		return err
	}
	if !trace.Status.CanMoveTo(status) {
		return errdefs.Conflict("trace %q cannot move from %s to %s", traceID, trace.Status, status)
	}
	trace.Status = status
	trace.DurationMs = durationMs
	trace.Error = errText
	trace.UpdatedAt = s.now()
	if err := s.store.Update(ctx, trace); err != nil {
		return fmt.Errorf("update trace: %w", err)
	}
	s.emit(ctx, observe.Event{
		Type:       observe.TypeTraceStatusUpdated,
		ThreadID:   trace.ThreadID,
		UserID:     trace.UserID,
		Node:       trace.NodeName,
		TraceID:    trace.ID,
		Step:       trace.StepIndex,
		DurationMs: durationMs,
		Error:      errText,
		Attributes: map[string]any{"status": string(status)},
	})
	return nil
}

// AttachToolResults appends results to a trace.
func (s *Service) AttachToolResults(ctx context.Context, traceID string, results []ToolResult) error {
	for i, r := range results {
		if r.Tool == "" {
			return errdefs.Validation("tool result %d has no tool name", i)
		}
		if r.DurationMs < 0 {
			return errdefs.Validation("tool result %d has a negative duration", i)
		}
	}
	trace, err := s.get(ctx, traceID)
	if err != nil {
		return err
	}
	if len(trace.ToolResults)+len(results) > MaxToolResults {
		return errdefs.Validation("a trace holds at most %d tool results", MaxToolResults)
	}
	trace.ToolResults = append(trace.ToolResults, results...)
	trace.UpdatedAt = s.now()
	if err := s.store.Update(ctx, trace); err != nil {
		return fmt.Errorf("update trace: %w", err)
	}
	s.emit(ctx, observe.Event{
		Type:       observe.TypeTraceToolsAttached,
		ThreadID:   trace.ThreadID,
		UserID:     trace.UserID,
		Node:       trace.NodeName,
		TraceID:    trace.ID,
		Step:       trace.StepIndex,
		Attributes: map[string]any{"count": len(results)},
	})
	return nil
}

func (s *Service) emit(ctx context.Context, event observe.Event) {
	if s.observer == nil {
		return
	}
	event.Normalize()
	if err := s.observer.Emit(ctx, event); err != nil {
		s.logger.Warn("failed to emit trace event", "thread_id", event.ThreadID, "type", event.Type, "error", err)
	}
}
