// Package memory is an in-process state.Store used by tests and single-node
// development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PipeOpsHQ/finagent/state"
)

type Store struct {
	mu          sync.RWMutex
	threads     map[string]state.ThreadRecord
	checkpoints map[string][]state.CheckpointRecord
}

func New() *Store {
	return &Store{
		threads:     map[string]state.ThreadRecord{},
		checkpoints: map[string][]state.CheckpointRecord{},
	}
}

func (m *Store) SaveThread(ctx context.Context, thread state.ThreadRecord) error {
	_ = ctx
	if thread.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.threads[thread.ThreadID]; ok && existing.CreatedAt != nil {
		thread.CreatedAt = existing.CreatedAt
	}
	if thread.CreatedAt == nil {
		thread.CreatedAt = &now
	}
	if thread.UpdatedAt == nil {
		thread.UpdatedAt = &now
	}
	m.threads[thread.ThreadID] = thread
	return nil
}

func (m *Store) LoadThread(ctx context.Context, threadID string) (state.ThreadRecord, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return state.ThreadRecord{}, state.ErrNotFound
	}
	return thread, nil
}

func (m *Store) ListThreads(ctx context.Context, query state.ListThreadsQuery) ([]state.ThreadRecord, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]state.ThreadRecord, 0, len(m.threads))
	for _, thread := range m.threads {
		if query.OwnerID != "" && thread.OwnerID != query.OwnerID {
			continue
		}
		if query.Status != "" && thread.Status != query.Status {
			continue
		}
		out = append(out, thread)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(*out[j].CreatedAt)
	})
	if query.Offset > 0 {
		if query.Offset >= len(out) {
			return []state.ThreadRecord{}, nil
		}
		out = out[query.Offset:]
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (m *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	_ = ctx
	if checkpoint.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.checkpoints[checkpoint.ThreadID]
	for _, e := range existing {
		if e.Seq == checkpoint.Seq {
			return state.ErrConflict
		}
	}
	checkpoint.State = append([]byte(nil), checkpoint.State...)
	m.checkpoints[checkpoint.ThreadID] = append(existing, checkpoint)
	return nil
}

func (m *Store) LoadLatestCheckpoint(ctx context.Context, threadID string) (state.CheckpointRecord, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.checkpoints[threadID]
	if len(items) == 0 {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	latest := items[0]
	for i := 1; i < len(items); i++ {
		if items[i].Seq > latest.Seq {
			latest = items[i]
		}
	}
	return latest, nil
}

// ListCheckpoints returns up to limit checkpoints, newest first.
func (m *Store) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]state.CheckpointRecord, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := append([]state.CheckpointRecord(nil), m.checkpoints[threadID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Seq > items[j].Seq })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *Store) Close() error { return nil }

var _ state.Store = (*Store)(nil)
