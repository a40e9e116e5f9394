// Package observe defines the live event stream emitted by the executor, the
// tracing service and the approval gate. Every event carries the scoped thread
// id and the owning user id so delivery layers can filter per subscriber.
package observe

import (
	"strings"
	"time"
)

type Type string

const (
	TypeRunStarted   Type = "run-started"
	TypeRunSuspended Type = "run-suspended"
	TypeRunCompleted Type = "run-completed"
	TypeRunFailed    Type = "run-failed"

	TypeCheckpointSaved Type = "checkpoint-saved"

	TypeNodeStart    Type = "node-start"
	TypeNodeComplete Type = "node-complete"

	TypeGenerationStart    Type = "generation-start"
	TypeGenerationToken    Type = "generation-token"
	TypeGenerationComplete Type = "generation-complete"

	TypeTraceStatusUpdated Type = "trace-status-updated"
	TypeTraceToolsAttached Type = "trace-tools-attached"

	TypeApprovalRequested Type = "approval-requested"
	TypeApprovalApproved  Type = "approval-approved"
	TypeApprovalRejected  Type = "approval-rejected"
	TypeApprovalExpired   Type = "approval-expired"
)

type Kind string

const (
	KindRun        Kind = "run"
	KindCheckpoint Kind = "checkpoint"
	KindNode       Kind = "node"
	KindGeneration Kind = "generation"
	KindTrace      Kind = "trace"
	KindApproval   Kind = "approval"
	KindCustom     Kind = "custom"
)

type Status string

const (
	StatusStarted     Status = "started"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusSuspended   Status = "suspended"
	StatusInterrupted Status = "interrupted"
)

type Event struct {
	ID         string         `json:"id,omitempty"`
	Type       Type           `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	ThreadID   string         `json:"threadId"`
	UserID     string         `json:"userId"`
	Status     Status         `json:"status,omitempty"`
	Node       string         `json:"node,omitempty"`
	TraceID    string         `json:"traceId,omitempty"`
	ApprovalID string         `json:"approvalId,omitempty"`
	Step       int            `json:"step,omitempty"`
	Token      string         `json:"token,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Kind derives the event family from its type.
func (e Event) Kind() Kind {
	t := string(e.Type)
	switch {
	case strings.HasPrefix(t, "run-"):
		return KindRun
	case strings.HasPrefix(t, "checkpoint-"):
		return KindCheckpoint
	case strings.HasPrefix(t, "node-"):
		return KindNode
	case strings.HasPrefix(t, "generation-"):
		return KindGeneration
	case strings.HasPrefix(t, "trace-"):
		return KindTrace
	case strings.HasPrefix(t, "approval-"):
		return KindApproval
	default:
		return KindCustom
	}
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
