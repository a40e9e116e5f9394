// Package store persists the observe event stream so a client that connects
// late can replay a thread's history before following it live.
package store

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/finagent/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
	// Since drops events at or before this instant.
	Since *time.Time
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	RunsStarted        int64 `json:"runsStarted"`
	RunsCompleted      int64 `json:"runsCompleted"`
	RunsFailed         int64 `json:"runsFailed"`
	RunsSuspended      int64 `json:"runsSuspended"`
	NodesCompleted     int64 `json:"nodesCompleted"`
	NodesFailed        int64 `json:"nodesFailed"`
	ApprovalsRequested int64 `json:"approvalsRequested"`
	ApprovalsApproved  int64 `json:"approvalsApproved"`
	ApprovalsRejected  int64 `json:"approvalsRejected"`
}

type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByThread(ctx context.Context, threadID string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}

// Sink records events into s. Generation tokens are not persisted.
func Sink(s Store) observe.Sink {
	return observe.Skip(observe.SinkFunc(s.SaveEvent), observe.TypeGenerationToken)
}
