package state

import (
	"encoding/json"
	"time"
)

type ThreadStatus string

const (
	ThreadRunning   ThreadStatus = "running"
	ThreadSuspended ThreadStatus = "suspended"
	ThreadCompleted ThreadStatus = "completed"
	ThreadFailed    ThreadStatus = "failed"
)

type ThreadRecord struct {
	ThreadID    string         `json:"threadId"`
	OwnerID     string         `json:"ownerId"`
	Graph       string         `json:"graph"`
	Status      ThreadStatus   `json:"status"`
	Input       string         `json:"input"`
	Output      string         `json:"output"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time     `json:"updatedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// CheckpointRecord is one snapshot in a thread's lineage. Seq is strictly
// increasing per thread; the highest Seq is the current state.
type CheckpointRecord struct {
	ThreadID  string          `json:"threadId"`
	Seq       int             `json:"seq"`
	NodeID    string          `json:"nodeId"`
	State     json.RawMessage `json:"state,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
