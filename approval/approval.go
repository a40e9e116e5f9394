// Package approval prices a planned analysis and holds it behind a human
// approval before the graph continues.
package approval

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("approval: not found")
	ErrConflict = errors.New("approval: already exists")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

const TypeCost = "cost"

type Context struct {
	Plan     Plan         `json:"plan"`
	Estimate CostEstimate `json:"estimate"`
}

type Approval struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"threadId"`
	UserID      string     `json:"userId"`
	Type        string     `json:"type"`
	Status      Status     `json:"status"`
	Prompt      string     `json:"prompt"`
	Context     Context    `json:"context"`
	Response    string     `json:"response,omitempty"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Expired reports whether a pending approval is past its deadline at now.
func (a Approval) Expired(now time.Time) bool {
	return a.Status == StatusPending && !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

type ListQuery struct {
	UserID   string
	ThreadID string
	Status   Status
	// ExpiresBefore keeps approvals whose deadline is earlier than the given
	// time.
	ExpiresBefore time.Time
	Limit         int
}

type Store interface {
	Create(ctx context.Context, a Approval) error
	Get(ctx context.Context, id string) (Approval, error)
	Update(ctx context.Context, a Approval) error
	List(ctx context.Context, query ListQuery) ([]Approval, error)
	Close() error
}
