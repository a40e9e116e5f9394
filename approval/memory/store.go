package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/PipeOpsHQ/finagent/approval"
)

type Store struct {
	mu    sync.Mutex
	items map[string]approval.Approval
}

func New() *Store {
	return &Store{items: map[string]approval.Approval{}}
}

func (s *Store) Create(ctx context.Context, a approval.Approval) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[a.ID]; exists {
		return approval.ErrConflict
	}
	s.items[a.ID] = a
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (approval.Approval, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return approval.Approval{}, approval.ErrNotFound
	}
	return a, nil
}

func (s *Store) Update(ctx context.Context, a approval.Approval) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[a.ID]; !ok {
		return approval.ErrNotFound
	}
	s.items[a.ID] = a
	return nil
}

func (s *Store) List(ctx context.Context, query approval.ListQuery) ([]approval.Approval, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]approval.Approval, 0)
	for _, a := range s.items {
		if query.UserID != "" && a.UserID != query.UserID {
			continue
		}
		if query.ThreadID != "" && a.ThreadID != query.ThreadID {
			continue
		}
		if query.Status != "" && a.Status != query.Status {
			continue
		}
		if !query.ExpiresBefore.IsZero() && !a.ExpiresAt.Before(query.ExpiresBefore) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ approval.Store = (*Store)(nil)
