// Package memory is an in-process trace store for tests and single-node use.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/PipeOpsHQ/finagent/tracing"
)

type Store struct {
	mu     sync.Mutex
	byID   map[string]tracing.ReasoningTrace
	thread map[string][]string
}

func New() *Store {
	return &Store{
		byID:   map[string]tracing.ReasoningTrace{},
		thread: map[string][]string{},
	}
}

func (s *Store) Create(ctx context.Context, trace tracing.ReasoningTrace) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[trace.ID]; exists {
		return tracing.ErrConflict
	}
	for _, id := range s.thread[trace.ThreadID] {
		if s.byID[id].StepIndex == trace.StepIndex {
			return tracing.ErrConflict
		}
	}
	s.byID[trace.ID] = clone(trace)
	s.thread[trace.ThreadID] = append(s.thread[trace.ThreadID], trace.ID)
	return nil
}

func (s *Store) Update(ctx context.Context, trace tracing.ReasoningTrace) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[trace.ID]
	if !ok {
		return tracing.ErrNotFound
	}
	trace.ThreadID = existing.ThreadID
	trace.StepIndex = existing.StepIndex
	trace.CreatedAt = existing.CreatedAt
	s.byID[trace.ID] = clone(trace)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (tracing.ReasoningTrace, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	trace, ok := s.byID[id]
	if !ok {
		return tracing.ReasoningTrace{}, tracing.ErrNotFound
	}
	return clone(trace), nil
}

func (s *Store) ListByThread(ctx context.Context, threadID string) ([]tracing.ReasoningTrace, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tracing.ReasoningTrace, 0, len(s.thread[threadID]))
	for _, id := range s.thread[threadID] {
		out = append(out, clone(s.byID[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *Store) NextStepIndex(ctx context.Context, threadID string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	next := 0
	for _, id := range s.thread[threadID] {
		if step := s.byID[id].StepIndex; step >= next {
			next = step + 1
		}
	}
	return next, nil
}

func (s *Store) Close() error { return nil }

func clone(t tracing.ReasoningTrace) tracing.ReasoningTrace {
	t.ToolResults = append([]tracing.ToolResult(nil), t.ToolResults...)
	return t
}

var _ tracing.Store = (*Store)(nil)
