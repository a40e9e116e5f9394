// Package tracing records one ReasoningTrace per node execution and streams
// node and generation events while the node runs.
package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/PipeOpsHQ/finagent/tools"
)

var (
	ErrNotFound = errors.New("tracing: trace not found")
	ErrConflict = errors.New("tracing: step index already used")
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

// CanMoveTo reports whether next directly follows s.
func (s Status) CanMoveTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

type ToolResult = tools.Result

type ReasoningTrace struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"threadId"`
	UserID      string          `json:"userId"`
	NodeName    string          `json:"nodeName"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Status      Status          `json:"status"`
	ToolResults []ToolResult    `json:"toolResults,omitempty"`
	DurationMs  int64           `json:"durationMs"`
	Error       string          `json:"error,omitempty"`
	StepIndex   int             `json:"stepIndex"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Store persists traces. Create fails with ErrConflict when the thread already
// has a trace at the same step index.
type Store interface {
	Create(ctx context.Context, trace ReasoningTrace) error
	Update(ctx context.Context, trace ReasoningTrace) error
	Get(ctx context.Context, id string) (ReasoningTrace, error)
	// ListByThread returns the traces of a thread ordered by step index.
	ListByThread(ctx context.Context, threadID string) ([]ReasoningTrace, error)
	NextStepIndex(ctx context.Context, threadID string) (int, error)
	Close() error
}
