package tracing

import (
	"context"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/finagent/observe"
	"github.com/PipeOpsHQ/finagent/types"
)

// Run is the tracing context of one node execution. It collects tool results
// and streamed tokens and forwards generation events.
type Run struct {
	service  *Service
	TraceID  string
	ThreadID string
	UserID   string
	Node     string
	Step     int

	mu        sync.Mutex
	tools     []ToolResult
	buffer    strings.Builder
	broken    bool
	generated []types.Message
}

type runKey struct{}

func WithRun(ctx context.Context, run *Run) context.Context {
	if run == nil {
		return ctx
	}
	return context.WithValue(ctx, runKey{}, run)
}

// RunFrom returns the Run of the node executing under ctx, or nil.
func RunFrom(ctx context.Context) *Run {
	run, _ := ctx.Value(runKey{}).(*Run)
	return run
}

// Flush attaches the tool results recorded so far to the stored trace, so
// they are visible before a long node finishes. Failures are logged and the
// results stay with the run. A nil Run does nothing.
func (r *Run) Flush(ctx context.Context) {
	if r == nil || r.TraceID == "" {
		return
	}
	r.mu.Lock()
	pending := r.tools
	r.tools = nil
	r.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	if err := r.service.AttachToolResults(ctx, r.TraceID, pending); err != nil {
		r.service.logger.Warn("failed to flush tool results", "thread_id", r.ThreadID, "node", r.Node, "error", err)
		r.mu.Lock()
		r.tools = append(pending, r.tools...)
		r.mu.Unlock()
	}
}

func (r *Run) RecordTool(result ToolResult) {
	r.mu.Lock()
	r.tools = append(r.tools, result)
	r.mu.Unlock()
}

func (r *Run) ToolResults() []ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ToolResult(nil), r.tools...)
}

// Streamed returns the text of the current or most recent generation.
func (r *Run) Streamed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer.String()
}

// partial returns the text streamed by a generation that failed before it
// completed.
func (r *Run) partial() string {
	r.mu.Lock()
	broken := r.broken
	r.mu.Unlock()
	if !broken {
		return ""
	}
	return r.Streamed()
}

func (r *Run) GenerationStart(ctx context.Context, provider string) {
	r.mu.Lock()
	r.buffer.Reset()
	r.broken = false
	r.mu.Unlock()
	r.emit(ctx, observe.Event{
		Type:       observe.TypeGenerationStart,
		Status:     observe.StatusStarted,
		Attributes: map[string]any{"provider": provider},
	})
}

func (r *Run) GenerationToken(ctx context.Context, token string) {
	r.mu.Lock()
	r.buffer.WriteString(token)
	r.mu.Unlock()
	r.emit(ctx, observe.Event{Type: observe.TypeGenerationToken, Token: token})
}

func (r *Run) GenerationComplete(ctx context.Context, resp types.Response, err error) {
	event := observe.Event{Type: observe.TypeGenerationComplete, Status: observe.StatusCompleted}
	if err != nil {
		event.Status = observe.StatusFailed
		event.Error = err.Error()
		r.mu.Lock()
		r.broken = r.buffer.Len() > 0
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		r.generated = append(r.generated, resp.Message)
		r.mu.Unlock()
		if resp.Usage != nil {
			event.Attributes = map[string]any{
				"inputTokens":  resp.Usage.InputTokens,
				"outputTokens": resp.Usage.OutputTokens,
			}
		}
	}
	r.emit(ctx, event)
}

func (r *Run) lastGenerated() (types.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.generated) - 1; i >= 0; i-- {
		if r.generated[i].Content != "" || r.generated[i].Reasoning != "" {
			return r.generated[i], true
		}
	}
	return types.Message{}, false
}

func (r *Run) emit(ctx context.Context, event observe.Event) {
	event.ThreadID = r.ThreadID
	event.UserID = r.UserID
	event.Node = r.Node
	event.TraceID = r.TraceID
	event.Step = r.Step
	r.service.emit(ctx, event)
}
