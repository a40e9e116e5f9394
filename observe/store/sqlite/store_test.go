package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/PipeOpsHQ/finagent/observe"
	observestore "github.com/PipeOpsHQ/finagent/observe/store"
)

func TestStore_SaveListAndMetrics(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	store, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	inputs := []observe.Event{
		{ThreadID: "alice:t1", UserID: "alice", Type: observe.TypeRunStarted, Status: observe.StatusStarted, Timestamp: now},
		{ThreadID: "alice:t1", UserID: "alice", Type: observe.TypeNodeComplete, Node: "observer", Status: observe.StatusCompleted, Timestamp: now.Add(time.Millisecond)},
		{ThreadID: "alice:t1", UserID: "alice", Type: observe.TypeApprovalRequested, ApprovalID: "approval_1", Timestamp: now.Add(2 * time.Millisecond)},
		{ThreadID: "alice:t1", UserID: "alice", Type: observe.TypeRunSuspended, Status: observe.StatusSuspended, Timestamp: now.Add(3 * time.Millisecond)},
		{ThreadID: "bob:t2", UserID: "bob", Type: observe.TypeRunStarted, Timestamp: now.Add(4 * time.Millisecond)},
	}
	for _, in := range inputs {
		if err := store.SaveEvent(ctx, in); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}

	events, err := store.ListEventsByThread(ctx, "alice:t1", observestore.ListQuery{Limit: 20})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[2].ApprovalID != "approval_1" || events[3].Type != observe.TypeRunSuspended {
		t.Fatalf("unexpected order: %+v", events)
	}

	since := now.Add(time.Millisecond)
	later, err := store.ListEventsByThread(ctx, "alice:t1", observestore.ListQuery{Since: &since})
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(later) != 2 {
		t.Fatalf("expected 2 events after %s, got %d", since, len(later))
	}

	metrics, err := store.AggregateMetrics(ctx, observestore.MetricsQuery{})
	if err != nil {
		t.Fatalf("aggregate metrics: %v", err)
	}
	if metrics.RunsStarted != 2 || metrics.RunsSuspended != 1 || metrics.NodesCompleted != 1 || metrics.ApprovalsRequested != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestSinkSkipsTokens(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sink := observestore.Sink(store)
	_ = sink.Emit(ctx, observe.Event{ThreadID: "alice:t1", UserID: "alice", Type: observe.TypeGenerationToken, Token: "x"})
	_ = sink.Emit(ctx, observe.Event{ThreadID: "alice:t1", UserID: "alice", Type: observe.TypeGenerationComplete})

	events, err := store.ListEventsByThread(ctx, "alice:t1", observestore.ListQuery{})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != observe.TypeGenerationComplete {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestListEventsByThread_RequiresID(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()
	if _, err := store.ListEventsByThread(context.Background(), " ", observestore.ListQuery{}); err == nil {
		t.Fatal("expected error for empty thread id")
	}
}
