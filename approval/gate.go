package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"go.jetify.com/typeid"

	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/lock"
	"github.com/PipeOpsHQ/finagent/logging"
	"github.com/PipeOpsHQ/finagent/observe"
	"github.com/PipeOpsHQ/finagent/orchestrator"
)

const DefaultTTL = 24 * time.Hour

// Resumer continues a suspended thread once its approval is granted.
type Resumer interface {
	Resume(ctx context.Context, userID, threadID, userInput string) (orchestrator.Result, error)
}

type Gate struct {
	store     Store
	estimator *Estimator
	locker    lock.Locker
	observer  observe.Sink
	logger    *slog.Logger
	ttl       time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	resumer Resumer
}

type Option func(*Gate)

func WithEstimator(e *Estimator) Option {
	return func(g *Gate) {
		if e != nil {
			g.estimator = e
		}
	}
}

func WithLocker(l lock.Locker) Option {
	return func(g *Gate) {
		if l != nil {
			g.locker = l
		}
	}
}

func WithObserver(sink observe.Sink) Option {
	return func(g *Gate) { g.observer = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithResumer(r Resumer) Option {
	return func(g *Gate) { g.resumer = r }
}

func withClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func NewGate(store Store, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errdefs.Configuration("approval store is required")
	}
	g := &Gate{
		store:     store,
		estimator: NewEstimator(DefaultPricing()),
		locker:    lock.NewMemory(),
		ttl:       DefaultTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDiscard(g.logger)
	return g, nil
}

// SetResumer wires the resumer after construction, for graphs whose nodes
// need the gate before the orchestrator exists.
func (g *Gate) SetResumer(r Resumer) {
	g.mu.Lock()
	g.resumer = r
	g.mu.Unlock()
}

func (g *Gate) Estimator() *Estimator { return g.estimator }

func NewApprovalID() string {
	id, err := typeid.WithPrefix("approval")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Request prices plan and stores a pending approval for the thread.
func (g *Gate) Request(ctx context.Context, userID, threadID string, plan Plan) (Approval, error) {
	if err := orchestrator.VerifyOwner(threadID, userID); err != nil {
		return Approval{}, err
	}
	est := g.estimator.Estimate(plan)
	now := g.now()
	a := Approval{
		ID:        NewApprovalID(),
		ThreadID:  threadID,
		UserID:    userID,
		Type:      TypeCost,
		Status:    StatusPending,
		Prompt:    Prompt(plan, est),
		Context:   Context{Plan: plan, Estimate: est},
		ExpiresAt: now.Add(g.ttl),
		CreatedAt: now,
	}
	if err := g.store.Create(ctx, a); err != nil {
		return Approval{}, fmt.Errorf("store approval: %w", err)
	}
	g.emit(ctx, a, observe.TypeApprovalRequested, a.Prompt)
	g.logger.Info("approval requested", "approval_id", a.ID, "thread_id", threadID, "user_id", userID, "cost", est.TotalCost)
	return a, nil
}

// Get returns an approval owned by userID.
func (g *Gate) Get(ctx context.Context, id, userID string) (Approval, error) {
	a, err := g.load(ctx, id)
	if err != nil {
		return Approval{}, err
	}
	if a.UserID != userID {
		return Approval{}, errdefs.Forbidden("approval %q is not accessible to user %q", id, userID)
	}
	return a, nil
}

// Status returns the current status of an approval without an ownership
// check. Graph routers use it to pick the branch after a resume.
func (g *Gate) Status(ctx context.Context, id string) (Status, error) {
	a, err := g.load(ctx, id)
	if err != nil {
		return "", err
	}
	if a.Expired(g.now()) {
		return StatusExpired, nil
	}
	return a.Status, nil
}

// Pending lists the pending approvals of a user.
func (g *Gate) Pending(ctx context.Context, userID string) ([]Approval, error) {
	if userID == "" {
		return nil, errdefs.Validation("user id is required")
	}
	return g.store.List(ctx, ListQuery{UserID: userID, Status: StatusPending})
}

func (g *Gate) load(ctx context.Context, id string) (Approval, error) {
	if id == "" {
		return Approval{}, errdefs.Validation("approval id is required")
	}
	a, err := g.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Approval{}, errdefs.NotFound("approval %q not found", id)
	}
	if err != nil {
		return Approval{}, fmt.Errorf("load approval: %w", err)
	}
	return a, nil
}

// Respond records the decision of userID. An approved request resumes the
// thread; the returned error then reports a failure to resume, with the
// approval already recorded.
func (g *Gate) Respond(ctx context.Context, id, userID string, approve bool, response string) (Approval, error) {
	unlock, err := g.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return Approval{}, fmt.Errorf("lock approval: %w", err)
	}
	a, err := g.decide(ctx, id, userID, approve, response)
	unlock()
	if err != nil {
		return a, err
	}

	if !approve {
		return a, nil
	}
	g.mu.RLock()
	resumer := g.resumer
	g.mu.RUnlock()
	if resumer == nil {
		return a, nil
	}
	if _, err := resumer.Resume(ctx, a.UserID, a.ThreadID, ""); err != nil {
		return a, fmt.Errorf("resume thread %q: %w", a.ThreadID, err)
	}
	return a, nil
}

// Settle records the decision of userID without resuming the thread. The
// workflow uses it when a reply to the thread itself answers the approval.
func (g *Gate) Settle(ctx context.Context, id, userID string, approve bool, response string) (Approval, error) {
	unlock, err := g.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return Approval{}, fmt.Errorf("lock approval: %w", err)
	}
	defer unlock()
	return g.decide(ctx, id, userID, approve, response)
}

// HasPending reports whether threadID has an approval that is still waiting
// for an answer.
func (g *Gate) HasPending(ctx context.Context, threadID string) (bool, error) {
	if threadID == "" {
		return false, errdefs.Validation("thread id is required")
	}
	pending, err := g.store.List(ctx, ListQuery{ThreadID: threadID, Status: StatusPending})
	if err != nil {
		return false, fmt.Errorf("list approvals: %w", err)
	}
	now := g.now()
	for _, a := range pending {
		if !a.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

func lockKey(id string) string { return "approval:" + id }

func (g *Gate) decide(ctx context.Context, id, userID string, approve bool, response string) (Approval, error) {
	a, err := g.load(ctx, id)
	if err != nil {
		return Approval{}, err
	}
	if a.UserID != userID {
		return Approval{}, errdefs.Forbidden("approval %q is not accessible to user %q", id, userID)
	}
	if a.Status != StatusPending {
		return a, errdefs.Conflict("approval %q is already %s", id, a.Status)
	}
	now := g.now()
	if a.Expired(now) {
		if err := g.expire(ctx, a); err != nil {
			return a, err
		}
		a.Status = StatusExpired
		return a, errdefs.Conflict("approval %q expired at %s", id, a.ExpiresAt.Format(time.RFC3339))
	}

	a.Status = StatusRejected
	eventType := observe.TypeApprovalRejected
	if approve {
		a.Status = StatusApproved
		eventType = observe.TypeApprovalApproved
	}
	a.Response = response
	a.RespondedAt = &now
	if err := g.store.Update(ctx, a); err != nil {
		return a, fmt.Errorf("update approval: %w", err)
	}
	g.emit(ctx, a, eventType, response)
	g.logger.Info("approval decided", "approval_id", a.ID, "thread_id", a.ThreadID, "user_id", a.UserID, "status", a.Status)
	return a, nil
}

func (g *Gate) expire(ctx context.Context, a Approval) error {
	a.Status = StatusExpired
	if err := g.store.Update(ctx, a); err != nil {
		return fmt.Errorf("expire approval: %w", err)
	}
	g.emit(ctx, a, observe.TypeApprovalExpired, "")
	return nil
}

// ExpireStale marks every pending approval whose deadline passed before now
// as expired and returns how many were changed.
func (g *Gate) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := g.store.List(ctx, ListQuery{Status: StatusPending, ExpiresBefore: now})
	if err != nil {
		return 0, fmt.Errorf("list stale approvals: %w", err)
	}
	expired := 0
	for _, candidate := range stale {
		err := func() error {
			unlock, err := g.locker.Lock(ctx, lockKey(candidate.ID))
			if err != nil {
				return err
			}
			defer unlock()
			a, err := g.load(ctx, candidate.ID)
			if err != nil || !a.Expired(now) {
				return err
			}
			if err := g.expire(ctx, a); err != nil {
				return err
			}
			expired++
			return nil
		}()
		if err != nil {
			return expired, err
		}
	}
	return expired, nil
}

func (g *Gate) emit(ctx context.Context, a Approval, typ observe.Type, message string) {
	if g.observer == nil {
		return
	}
	event := observe.Event{
		Type:       typ,
		ThreadID:   a.ThreadID,
		UserID:     a.UserID,
		ApprovalID: a.ID,
		Message:    message,
		Attributes: map[string]any{
			"status":    string(a.Status),
			"totalCost": a.Context.Estimate.TotalCost,
		},
	}
	event.Normalize()
	if err := g.observer.Emit(ctx, event); err != nil {
		g.logger.Warn("failed to emit approval event", "approval_id", a.ID, "type", typ, "error", err)
	}
}

// Prompt renders the question shown to the user for plan.
func Prompt(plan Plan, est CostEstimate) string {
	var b strings.Builder
	b.WriteString("Approve running ")
	if len(plan.Nodes) == 0 {
		b.WriteString("no analysis steps")
	} else {
		b.WriteString(english.Plural(len(plan.Nodes), "analysis step", ""))
		fmt.Fprintf(&b, " (%s)", strings.Join(plan.Nodes, ", "))
	}
	if len(plan.Tools) > 0 {
		b.WriteString(" using ")
		b.WriteString(english.Plural(len(plan.Tools), "tool", ""))
		fmt.Fprintf(&b, " (%s)", strings.Join(plan.Tools, ", "))
	}
	fmt.Fprintf(&b, "? Estimated cost $%s, about %s.",
		humanize.FtoaWithDigits(est.TotalCost, 4),
		english.Plural(int(math.Ceil(est.TotalTimeSeconds)), "second", ""),
	)
	return b.String()
}
