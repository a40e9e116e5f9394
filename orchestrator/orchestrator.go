// Package orchestrator is the entry point for conversations: it scopes thread
// ids to their owner, serializes work per thread and turns graph outcomes into
// a uniform Result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/graph"
	"github.com/PipeOpsHQ/finagent/lock"
	"github.com/PipeOpsHQ/finagent/logging"
	"github.com/PipeOpsHQ/finagent/state"
	"github.com/PipeOpsHQ/finagent/tracing"
	"github.com/PipeOpsHQ/finagent/types"
)

type Status string

const (
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

type RunInput struct {
	Message string
	// ThreadID continues an existing conversation. It may be the scoped id
	// returned by an earlier Result or a caller-chosen opaque id.
	ThreadID      string
	Portfolio     *types.Portfolio
	MaxIterations int
}

type Result struct {
	ThreadID        string      `json:"threadId"`
	FinalState      graph.State `json:"finalState"`
	Success         bool        `json:"success"`
	Status          Status      `json:"status"`
	InterruptReason string      `json:"interruptReason,omitempty"`
	Error           string      `json:"error,omitempty"`
	Guidance        string      `json:"guidance,omitempty"`
}

// PendingApprovals reports whether a thread is still waiting on an approval.
type PendingApprovals interface {
	HasPending(ctx context.Context, threadID string) (bool, error)
}

type Orchestrator struct {
	executor  *graph.Executor
	store     state.Store
	tracer    *tracing.Service
	locker    lock.Locker
	approvals PendingApprovals
	logger    *slog.Logger
}

type Option func(*Orchestrator)

// WithThreadStore enables ListThreads.
func WithThreadStore(store state.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

func WithTracing(svc *tracing.Service) Option {
	return func(o *Orchestrator) { o.tracer = svc }
}

// WithLocker replaces the in-process per-thread lock, for example with a
// redis lock shared by several processes.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithPendingApprovals makes Resume without a reply refuse threads whose
// approval has not been answered.
func WithPendingApprovals(p PendingApprovals) Option {
	return func(o *Orchestrator) { o.approvals = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func New(executor *graph.Executor, opts ...Option) (*Orchestrator, error) {
	if executor == nil {
		return nil, errdefs.Configuration("graph executor is required")
	}
	o := &Orchestrator{executor: executor, locker: lock.NewMemory()}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrDiscard(o.logger)
	return o, nil
}

// Run sends a message on a new or existing thread owned by userID.
func (o *Orchestrator) Run(ctx context.Context, userID string, in RunInput) (Result, error) {
	if strings.TrimSpace(in.Message) == "" {
		return Result{}, errdefs.Validation("message is required")
	}
	if in.MaxIterations < 0 {
		return Result{}, errdefs.Validation("max iterations must not be negative")
	}
	threadID, err := o.resolveThread(userID, in.ThreadID)
	if err != nil {
		return Result{}, err
	}

	unlock, err := o.locker.Lock(ctx, threadLockKey(threadID))
	if err != nil {
		return Result{}, fmt.Errorf("lock thread: %w", err)
	}
	defer unlock()

	o.logger.Info("run started", "thread_id", threadID, "user_id", userID)
	out, err := o.executor.Invoke(ctx, graph.State{
		UserID:        userID,
		Input:         in.Message,
		Messages:      []types.Message{types.UserMessage(in.Message)},
		Portfolio:     in.Portfolio,
		MaxIterations: in.MaxIterations,
	}, graph.Config{ThreadID: threadID})
	if err != nil {
		return Result{}, err
	}
	return toResult(out), nil
}

func (o *Orchestrator) resolveThread(userID, threadID string) (string, error) {
	if userID == "" {
		return "", errdefs.Validation("user id is required")
	}
	if strings.Contains(threadID, Separator) {
		if err := VerifyOwner(threadID, userID); err != nil {
			return "", err
		}
		return threadID, nil
	}
	return ScopeThreadID(userID, threadID)
}

// Resume continues a suspended (or failed) thread. A non-empty userInput is
// appended to the conversation before the graph continues.
func (o *Orchestrator) Resume(ctx context.Context, userID, threadID, userInput string) (Result, error) {
	if err := VerifyOwner(threadID, userID); err != nil {
		return Result{}, err
	}

	unlock, err := o.locker.Lock(ctx, threadLockKey(threadID))
	if err != nil {
		return Result{}, fmt.Errorf("lock thread: %w", err)
	}
	defer unlock()

	cfg := graph.Config{ThreadID: threadID}
	snap, err := o.executor.GetState(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	if snap.State.UserID != userID {
		return Result{}, errdefs.Forbidden("thread %q is not accessible to user %q", threadID, userID)
	}
	reply := strings.TrimSpace(userInput) != ""
	if !reply && o.approvals != nil {
		pending, err := o.approvals.HasPending(ctx, threadID)
		if err != nil {
			return Result{}, err
		}
		if pending {
			return Result{}, errdefs.Conflict("thread %q is waiting on an approval: respond to it or resume with a reply", threadID)
		}
	}
	if reply {
		if err := o.executor.UpdateState(ctx, cfg, graph.Patch{
			Messages: []types.Message{types.UserMessage(userInput)},
		}); err != nil {
			return Result{}, err
		}
	}

	o.logger.Info("run resumed", "thread_id", threadID, "user_id", userID, "node", snap.InterruptedNode)
	out, err := o.executor.Resume(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	return toResult(out), nil
}

// GetState returns the latest checkpoint of a thread owned by userID.
func (o *Orchestrator) GetState(ctx context.Context, userID, threadID string) (graph.Snapshot, error) {
	if err := VerifyOwner(threadID, userID); err != nil {
		return graph.Snapshot{}, err
	}
	snap, err := o.executor.GetState(ctx, graph.Config{ThreadID: threadID})
	if err != nil {
		return graph.Snapshot{}, err
	}
	if snap.State.UserID != userID {
		return graph.Snapshot{}, errdefs.Forbidden("thread %q is not accessible to user %q", threadID, userID)
	}
	return snap, nil
}

// GetTraces returns the reasoning traces of a thread in step order.
func (o *Orchestrator) GetTraces(ctx context.Context, threadID, userID string) ([]tracing.ReasoningTrace, error) {
	if err := VerifyOwner(threadID, userID); err != nil {
		return nil, err
	}
	if o.tracer == nil {
		return nil, errdefs.Configuration("tracing is not configured")
	}
	traces, err := o.tracer.GetTraces(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for _, tr := range traces {
		if tr.UserID != userID {
			return nil, errdefs.Forbidden("thread %q is not accessible to user %q", threadID, userID)
		}
	}
	return traces, nil
}

// ListThreads returns the threads owned by userID, newest first.
func (o *Orchestrator) ListThreads(ctx context.Context, userID string, limit int) ([]state.ThreadRecord, error) {
	if userID == "" {
		return nil, errdefs.Validation("user id is required")
	}
	if o.store == nil {
		return nil, errdefs.Configuration("thread store is not configured")
	}
	return o.store.ListThreads(ctx, state.ListThreadsQuery{OwnerID: userID, Limit: limit})
}

func threadLockKey(threadID string) string { return "thread:" + threadID }

func toResult(out graph.Outcome) Result {
	res := Result{ThreadID: out.ThreadID, FinalState: out.State}
	switch out.Status {
	case graph.StatusCompleted:
		res.Status = StatusCompleted
		res.Success = true
	case graph.StatusSuspended:
		res.Status = StatusSuspended
		res.Success = true
		res.InterruptReason = out.Reason
		res.Guidance = "The analysis is paused for your approval. Respond to the pending approval or resume the thread to continue."
	default:
		res.Status = StatusFailed
		if out.Err != nil {
			res.Error = out.Err.Error()
		}
		res.Guidance = guidanceFor(out.Err)
	}
	return res
}

func guidanceFor(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrGuardrail):
		return "The analysis reached its step limit. Narrow the question or allow more iterations."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request was cancelled before the analysis finished. Resume the thread to continue."
	default:
		return "The analysis failed. Resume the thread to retry from the last completed step."
	}
}
