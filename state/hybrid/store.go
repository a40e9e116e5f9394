// Package hybrid pairs a durable checkpoint store with a best-effort cache,
// typically sqlite behind redis. The durable store is authoritative; cache
// failures are logged and never fail the caller.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/PipeOpsHQ/finagent/logging"
	"github.com/PipeOpsHQ/finagent/state"
)

type Store struct {
	durable state.Store
	cache   state.Store
	logger  *slog.Logger

	// written holds the highest seq this process committed per thread. A
	// cached checkpoint older than that missed a write and is not served.
	mu      sync.Mutex
	written map[string]int
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Store) {
		h.logger = logger
	}
}

// New returns a store that writes through to cache. A nil cache leaves only
// the durable store.
func New(durable state.Store, cache state.Store, opts ...Option) (*Store, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	h := &Store{
		durable: durable,
		cache:   cache,
		written: make(map[string]int),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDiscard(h.logger)
	return h, nil
}

func (h *Store) SaveThread(ctx context.Context, thread state.ThreadRecord) error {
	if err := h.durable.SaveThread(ctx, thread); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveThread(ctx, thread); err != nil {
			h.logger.Warn("thread cache write failed", "thread_id", thread.ThreadID, "error", err)
		}
	}
	return nil
}

func (h *Store) LoadThread(ctx context.Context, threadID string) (state.ThreadRecord, error) {
	if h.cache != nil {
		thread, err := h.cache.LoadThread(ctx, threadID)
		if err == nil {
			return thread, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.logger.Warn("thread cache read failed", "thread_id", threadID, "error", err)
		}
	}

	thread, err := h.durable.LoadThread(ctx, threadID)
	if err != nil {
		return state.ThreadRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveThread(ctx, thread); err != nil {
			h.logger.Warn("thread cache backfill failed", "thread_id", threadID, "error", err)
		}
	}
	return thread, nil
}

// ListThreads always reads the durable store; the cache holds no indexes
// worth trusting for listings.
func (h *Store) ListThreads(ctx context.Context, query state.ListThreadsQuery) ([]state.ThreadRecord, error) {
	return h.durable.ListThreads(ctx, query)
}

func (h *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if err := h.durable.SaveCheckpoint(ctx, checkpoint); err != nil {
		return err
	}
	h.mu.Lock()
	if checkpoint.Seq > h.written[checkpoint.ThreadID] {
		h.written[checkpoint.ThreadID] = checkpoint.Seq
	}
	h.mu.Unlock()

	if h.cache != nil {
		if err := h.cache.SaveCheckpoint(ctx, checkpoint); err != nil {
			h.logger.Warn("checkpoint cache write failed", "thread_id", checkpoint.ThreadID, "seq", checkpoint.Seq, "error", err)
		}
	}
	return nil
}

// LoadLatestCheckpoint prefers the cache and backfills it from the durable
// store on a miss or when the cached entry is older than a local write.
func (h *Store) LoadLatestCheckpoint(ctx context.Context, threadID string) (state.CheckpointRecord, error) {
	if h.cache != nil {
		checkpoint, err := h.cache.LoadLatestCheckpoint(ctx, threadID)
		switch {
		case err == nil && !h.behind(threadID, checkpoint.Seq):
			return checkpoint, nil
		case err == nil:
			h.logger.Debug("checkpoint cache is stale", "thread_id", threadID, "seq", checkpoint.Seq)
		case !errors.Is(err, state.ErrNotFound):
			h.logger.Warn("checkpoint cache read failed", "thread_id", threadID, "error", err)
		}
	}

	checkpoint, err := h.durable.LoadLatestCheckpoint(ctx, threadID)
	if err != nil {
		return state.CheckpointRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveCheckpoint(ctx, checkpoint); err != nil && !errors.Is(err, state.ErrConflict) {
			h.logger.Warn("checkpoint cache backfill failed", "thread_id", threadID, "error", err)
		}
	}
	return checkpoint, nil
}

func (h *Store) behind(threadID string, seq int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	written, ok := h.written[threadID]
	return ok && seq < written
}

func (h *Store) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]state.CheckpointRecord, error) {
	return h.durable.ListCheckpoints(ctx, threadID, limit)
}

func (h *Store) Close() error {
	var errs []error
	if h.cache != nil {
		errs = append(errs, h.cache.Close())
	}
	errs = append(errs, h.durable.Close())
	return errors.Join(errs...)
}

var _ state.Store = (*Store)(nil)
