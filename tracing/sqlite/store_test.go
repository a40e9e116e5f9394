package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/PipeOpsHQ/finagent/tracing"
)

func TestStore_StepOrderingAndUpdates(t *testing.T) {
	ctx := context.Background()
	store, err := New(filepath.Join(t.TempDir(), "traces.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	next, err := store.NextStepIndex(ctx, "alice:t")
	if err != nil || next != 0 {
		t.Fatalf("expected first step 0, got %d (%v)", next, err)
	}

	now := time.Now().UTC()
	for i, node := range []string{"supervisor", "observer"} {
		err := store.Create(ctx, tracing.ReasoningTrace{
			ID:        node,
			ThreadID:  "alice:t",
			UserID:    "alice",
			NodeName:  node,
			StepIndex: 1 - i,
			Status:    tracing.StatusPending,
			Input:     json.RawMessage(`{"k":1}`),
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			t.Fatalf("create %s: %v", node, err)
		}
	}
	dup := tracing.ReasoningTrace{ID: "other", ThreadID: "alice:t", NodeName: "x", StepIndex: 1, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, dup); !errors.Is(err, tracing.ErrConflict) {
		t.Fatalf("expected conflict for reused step index, got %v", err)
	}

	next, err = store.NextStepIndex(ctx, "alice:t")
	if err != nil || next != 2 {
		t.Fatalf("expected next step 2, got %d (%v)", next, err)
	}

	trace, err := store.Get(ctx, "observer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	trace.Status = tracing.StatusCompleted
	trace.Reasoning = "Yields rose"
	trace.DurationMs = 12
	trace.ToolResults = []tracing.ToolResult{{Tool: "FRED", DurationMs: 3}}
	trace.Output = json.RawMessage(`{"content":"ok"}`)
	if err := store.Update(ctx, trace); err != nil {
		t.Fatalf("update: %v", err)
	}

	traces, err := store.ListByThread(ctx, "alice:t")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(traces) != 2 || traces[0].NodeName != "observer" || traces[1].NodeName != "supervisor" {
		t.Fatalf("expected ascending step order, got %#v", traces)
	}
	if traces[0].Status != tracing.StatusCompleted || len(traces[0].ToolResults) != 1 || traces[0].Reasoning != "Yields rose" {
		t.Fatalf("update not persisted: %#v", traces[0])
	}
	if traces[1].Output != nil {
		t.Fatalf("expected nil output for untouched trace, got %s", traces[1].Output)
	}

	if err := store.Update(ctx, tracing.ReasoningTrace{ID: "missing"}); !errors.Is(err, tracing.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
