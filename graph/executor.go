package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/logging"
	"github.com/PipeOpsHQ/finagent/observe"
	"github.com/PipeOpsHQ/finagent/state"
)

const (
	DefaultMaxIterations = 25

	// UpdateNodeID is recorded on checkpoints written by UpdateState.
	UpdateNodeID = "__update__"
)

// NodeFunc executes one node. Middleware wraps it.
type NodeFunc func(ctx context.Context, nodeID string, st *State) error

type Middleware func(next NodeFunc) NodeFunc

// Executor runs a compiled graph. It holds no per-thread state and is safe for
// concurrent use across threads; callers serialize work on a single thread.
type Executor struct {
	graph         *Graph
	store         state.Store
	observer      observe.Sink
	logger        *slog.Logger
	middleware    []Middleware
	maxIterations int
	run           NodeFunc
}

type ExecutorOption func(*Executor)

func WithStore(store state.Store) ExecutorOption {
	return func(e *Executor) { e.store = store }
}

func WithObserver(observer observe.Sink) ExecutorOption {
	return func(e *Executor) {
		e.observer = observer
	}
}

func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithMiddleware wraps every node execution. The first middleware is the
// outermost.
func WithMiddleware(mw ...Middleware) ExecutorOption {
	return func(e *Executor) { e.middleware = append(e.middleware, mw...) }
}

// WithDefaultMaxIterations sets the ceiling used when the initial state does
// not carry one.
func WithDefaultMaxIterations(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, errdefs.Configuration("graph is required")
	}
	if err := graph.Compile(); err != nil {
		return nil, err
	}
	executor := &Executor{graph: graph, maxIterations: DefaultMaxIterations}
	for _, opt := range opts {
		opt(executor)
	}
	executor.logger = logging.OrDiscard(executor.logger)

	run := NodeFunc(func(ctx context.Context, nodeID string, st *State) error {
		return graph.nodes[nodeID].Execute(ctx, st)
	})
	for i := len(executor.middleware) - 1; i >= 0; i-- {
		run = executor.middleware[i](run)
	}
	executor.run = run
	return executor, nil
}

func (e *Executor) Graph() *Graph { return e.graph }

// Invoke starts a run on cfg.ThreadID from the start node. On a new thread
// the caller's Iteration is kept and checked against the ceiling before the
// first superstep. When the thread already has checkpoints the new messages
// are appended to its conversation and the iteration count carries on. A
// suspended thread must be resumed instead.
//
// The returned error covers problems detected before any node runs; faults
// during the run are reported as a Failed outcome.
func (e *Executor) Invoke(ctx context.Context, initial State, cfg Config) (Outcome, error) {
	if cfg.ThreadID == "" {
		return Outcome{}, errdefs.Validation("thread id is required")
	}
	if initial.Iteration < 0 {
		return Outcome{}, errdefs.Validation("iteration must not be negative, got %d", initial.Iteration)
	}
	now := time.Now().UTC()
	runMax := initial.MaxIterations
	if runMax <= 0 {
		runMax = e.maxIterations
	}

	st := initial.Clone()
	st.ThreadID = cfg.ThreadID
	st.Output = ""
	st.ensureData()
	seq := 1

	if e.store != nil {
		latest, err := e.store.LoadLatestCheckpoint(ctx, cfg.ThreadID)
		switch {
		case err == nil:
			prior, cur, err := decodeCheckpoint(latest.State)
			if err != nil {
				return Outcome{}, err
			}
			if cur.Interrupted != "" {
				return Outcome{}, errdefs.Conflict("thread %q is suspended at %q", cfg.ThreadID, cur.Interrupted)
			}
			if initial.UserID != "" && initial.UserID != prior.UserID {
				return Outcome{}, errdefs.Forbidden("thread %q belongs to another user", cfg.ThreadID)
			}
			st = continueFrom(prior, initial, runMax)
			seq = latest.Seq + 1
		case errors.Is(err, state.ErrNotFound):
		default:
			return Outcome{}, fmt.Errorf("load checkpoint: %w", err)
		}
	}
	if seq == 1 {
		st.Iteration = initial.Iteration
		st.MaxIterations = runMax
		st.StartedAt = now
	}
	st.UpdatedAt = now

	e.persistThread(ctx, st, state.ThreadRunning, "")
	e.emit(ctx, st, observe.Event{Type: observe.TypeRunStarted, Status: observe.StatusStarted, Message: "graph run started"})
	return e.loop(ctx, &st, cursor{Frontier: []string{e.graph.startNodeID}}, seq), nil
}

// continueFrom folds a new turn into the state of a finished thread. The
// ceiling applies per run, on top of the iterations already spent.
func continueFrom(prior, turn State, runMax int) State {
	st := prior.Clone()
	st.Messages = append(st.Messages, turn.Messages...)
	if turn.Portfolio != nil {
		st.Portfolio = turn.Portfolio.Clone()
	}
	st.Input = turn.Input
	st.Output = ""
	st.MaxIterations = st.Iteration + runMax
	for k, v := range turn.Data {
		st.Data[k] = v
	}
	return st
}

// Resume continues a thread from its latest checkpoint. For an interrupted
// thread the successors of the interrupted node are computed against the
// current state, so edits made with UpdateState steer the route.
func (e *Executor) Resume(ctx context.Context, cfg Config) (Outcome, error) {
	if cfg.ThreadID == "" {
		return Outcome{}, errdefs.Validation("thread id is required")
	}
	if e.store == nil {
		return Outcome{}, errdefs.Configuration("state store is required for resume")
	}
	latest, err := e.store.LoadLatestCheckpoint(ctx, cfg.ThreadID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return Outcome{}, errdefs.NotFound("no checkpoints found for thread %q", cfg.ThreadID)
		}
		return Outcome{}, fmt.Errorf("load checkpoint: %w", err)
	}
	st, cur, err := decodeCheckpoint(latest.State)
	if err != nil {
		return Outcome{}, err
	}
	st.UpdatedAt = time.Now().UTC()

	e.persistThread(ctx, st, state.ThreadRunning, "")
	e.emit(ctx, st, observe.Event{
		Type:    observe.TypeRunStarted,
		Status:  observe.StatusStarted,
		Node:    cur.Interrupted,
		Message: "graph run resumed",
	})

	if cur.Interrupted != "" {
		next, err := e.graph.routes(withNodeID(ctx, cur.Interrupted), cur.Interrupted, &st)
		if err != nil {
			return e.fail(ctx, &st, err, nil), nil
		}
		cur.Next = appendUnique(cur.Next, next...)
		cur.Interrupted = ""
		cur.Reason = ""
	}
	return e.loop(ctx, &st, cur, latest.Seq+1), nil
}

// loop drives the supersteps. A checkpoint is written after every node; the
// iteration ceiling is checked before each superstep.
func (e *Executor) loop(ctx context.Context, st *State, cur cursor, seq int) Outcome {
	steps := []string{}
	for {
		if cur.Index >= len(cur.Frontier) {
			cur = cursor{Frontier: cur.Next}
		}
		if len(cur.Frontier) == 0 {
			return e.complete(ctx, st, steps, seq-1)
		}
		if cur.Index == 0 {
			if st.Iteration >= st.MaxIterations {
				return e.fail(ctx, st, &errdefs.GuardrailError{Iteration: st.Iteration, MaxIterations: st.MaxIterations}, steps)
			}
			st.Iteration++
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, st, err, steps)
		}

		nodeID := cur.Frontier[cur.Index]
		err := e.run(withNodeID(ctx, nodeID), nodeID, st)
		st.UpdatedAt = time.Now().UTC()

		if ie, ok := AsInterrupt(err); ok {
			if ie.Node == "" {
				ie.Node = nodeID
			}
			st.LastNodeID = nodeID
			steps = append(steps, nodeID)
			cur.Index++
			cur.Interrupted = nodeID
			cur.Reason = ie.Reason
			if err := e.saveCheckpoint(ctx, st, cur, seq, nodeID); err != nil {
				return e.fail(ctx, st, err, steps)
			}
			return e.suspend(ctx, st, cur, steps, seq)
		}
		if err != nil {
			return e.fail(ctx, st, fmt.Errorf("node %q failed: %w", nodeID, err), steps)
		}

		st.LastNodeID = nodeID
		steps = append(steps, nodeID)
		next, err := e.graph.routes(withNodeID(ctx, nodeID), nodeID, st)
		if err != nil {
			return e.fail(ctx, st, err, steps)
		}
		cur.Next = appendUnique(cur.Next, next...)
		cur.Index++
		if err := e.saveCheckpoint(ctx, st, cur, seq, nodeID); err != nil {
			return e.fail(ctx, st, err, steps)
		}
		seq++
	}
}

func (e *Executor) complete(ctx context.Context, st *State, steps []string, seq int) Outcome {
	e.persistThread(ctx, *st, state.ThreadCompleted, "")
	e.emit(ctx, *st, observe.Event{Type: observe.TypeRunCompleted, Status: observe.StatusCompleted, Message: "graph run completed"})
	e.logger.Debug("graph run completed", "thread_id", st.ThreadID, "user_id", st.UserID, "steps", len(steps))
	return Outcome{Status: StatusCompleted, ThreadID: st.ThreadID, State: *st, Steps: steps, Seq: seq}
}

func (e *Executor) suspend(ctx context.Context, st *State, cur cursor, steps []string, seq int) Outcome {
	e.persistThread(ctx, *st, state.ThreadSuspended, "")
	e.emit(ctx, *st, observe.Event{
		Type:    observe.TypeRunSuspended,
		Status:  observe.StatusSuspended,
		Node:    cur.Interrupted,
		Message: cur.Reason,
	})
	e.logger.Info("graph run suspended", "thread_id", st.ThreadID, "user_id", st.UserID, "node", cur.Interrupted)
	return Outcome{
		Status:   StatusSuspended,
		ThreadID: st.ThreadID,
		State:    *st,
		Reason:   cur.Reason,
		Node:     cur.Interrupted,
		Steps:    steps,
		Seq:      seq,
	}
}

// fail records runErr on the state and the thread record. No checkpoint is
// written, so a later Resume retries from the last successful node.
func (e *Executor) fail(ctx context.Context, st *State, runErr error, steps []string) Outcome {
	st.Errors = append(st.Errors, runErr.Error())
	e.persistThread(ctx, *st, state.ThreadFailed, runErr.Error())
	e.emit(ctx, *st, observe.Event{
		Type:    observe.TypeRunFailed,
		Status:  observe.StatusFailed,
		Node:    st.LastNodeID,
		Error:   runErr.Error(),
		Message: "graph run failed",
		Attributes: map[string]any{
			"category": errdefs.Category(runErr),
		},
	})
	e.logger.Warn("graph run failed", "thread_id", st.ThreadID, "user_id", st.UserID, "error", runErr)
	return Outcome{Status: StatusFailed, ThreadID: st.ThreadID, State: *st, Err: runErr, Steps: steps}
}

// GetState returns the latest checkpoint of a thread.
func (e *Executor) GetState(ctx context.Context, cfg Config) (Snapshot, error) {
	if e.store == nil {
		return Snapshot{}, errdefs.Configuration("state store is required for state inspection")
	}
	latest, err := e.store.LoadLatestCheckpoint(ctx, cfg.ThreadID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return Snapshot{}, errdefs.NotFound("no checkpoints found for thread %q", cfg.ThreadID)
		}
		return Snapshot{}, fmt.Errorf("load checkpoint: %w", err)
	}
	st, cur, err := decodeCheckpoint(latest.State)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ThreadID:        latest.ThreadID,
		Seq:             latest.Seq,
		State:           st,
		Next:            cur.pending(),
		InterruptedNode: cur.Interrupted,
		InterruptReason: cur.Reason,
		Done:            cur.done(),
		CreatedAt:       latest.CreatedAt,
	}, nil
}

// UpdateState merges patch into the latest checkpoint and saves the result as
// a new checkpoint. No node runs and the cursor is preserved.
func (e *Executor) UpdateState(ctx context.Context, cfg Config, patch Patch) error {
	if e.store == nil {
		return errdefs.Configuration("state store is required for state updates")
	}
	latest, err := e.store.LoadLatestCheckpoint(ctx, cfg.ThreadID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return errdefs.NotFound("no checkpoints found for thread %q", cfg.ThreadID)
		}
		return fmt.Errorf("load checkpoint: %w", err)
	}
	st, cur, err := decodeCheckpoint(latest.State)
	if err != nil {
		return err
	}
	if patch.MaxIterations != nil && *patch.MaxIterations < 0 {
		return errdefs.Validation("max iterations must not be negative")
	}
	patch.apply(&st)
	st.UpdatedAt = time.Now().UTC()
	return e.saveCheckpoint(ctx, &st, cur, latest.Seq+1, UpdateNodeID)
}

func (e *Executor) saveCheckpoint(ctx context.Context, st *State, cur cursor, seq int, nodeID string) error {
	if e.store == nil {
		return nil
	}
	raw, err := encodeCheckpoint(*st, cur)
	if err != nil {
		return err
	}
	err = e.store.SaveCheckpoint(ctx, state.CheckpointRecord{
		ThreadID:  st.ThreadID,
		Seq:       seq,
		NodeID:    nodeID,
		State:     raw,
		CreatedAt: time.Now().UTC(),
	})
	if errors.Is(err, state.ErrConflict) {
		return errdefs.Wrap(errdefs.ErrConflict, err, "checkpoint %d of thread %q already exists", seq, st.ThreadID)
	}
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	e.emit(ctx, *st, observe.Event{
		Type:   observe.TypeCheckpointSaved,
		Status: observe.StatusCompleted,
		Node:   nodeID,
		Step:   seq,
		Attributes: map[string]any{
			"seq":  seq,
			"next": cur.pending(),
		},
	})
	return nil
}

// persistThread upserts the thread index row. Failures are logged; the
// checkpoint lineage remains authoritative.
func (e *Executor) persistThread(ctx context.Context, st State, status state.ThreadStatus, errText string) {
	if e.store == nil {
		return
	}
	createdAt := st.StartedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := st.UpdatedAt
	record := state.ThreadRecord{
		ThreadID: st.ThreadID,
		OwnerID:  st.UserID,
		Graph:    e.graph.Name(),
		Status:   status,
		Input:    st.Input,
		Output:   st.Output,
		Metadata: map[string]any{
			"lastNodeId": st.LastNodeID,
			"iteration":  st.Iteration,
		},
		Error:     errText,
		CreatedAt: &createdAt,
		UpdatedAt: &updatedAt,
	}
	if status == state.ThreadCompleted || status == state.ThreadFailed {
		record.CompletedAt = &updatedAt
	}
	if err := e.store.SaveThread(ctx, record); err != nil {
		e.logger.Warn("failed to save thread record", "thread_id", st.ThreadID, "status", status, "error", err)
	}
}

func (e *Executor) emit(ctx context.Context, st State, event observe.Event) {
	if e.observer == nil {
		return
	}
	event.ThreadID = st.ThreadID
	event.UserID = st.UserID
	event.Normalize()
	if err := e.observer.Emit(ctx, event); err != nil {
		e.logger.Warn("failed to emit event", "thread_id", st.ThreadID, "type", event.Type, "error", err)
	}
}
