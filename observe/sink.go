package observe

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Sink receives events. Emitters treat a Sink error as advisory: it is logged
// and never changes the outcome of the run that produced the event.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) error { return nil }

// Skip wraps next so that events of the given types never reach it.
func Skip(next Sink, types ...Type) Sink {
	if next == nil {
		return NoopSink{}
	}
	return SinkFunc(func(ctx context.Context, event Event) error {
		if slices.Contains(types, event.Type) {
			return nil
		}
		return next.Emit(ctx, event)
	})
}

type MultiSink struct {
	sinks []Sink
}

// NewMultiSink fans out to the non-nil sinks. It collapses to the single sink
// or to a NoopSink when there is nothing to fan out to.
func NewMultiSink(sinks ...Sink) Sink {
	filtered := slices.DeleteFunc(slices.Clone(sinks), func(s Sink) bool { return s == nil })
	switch len(filtered) {
	case 0:
		return NoopSink{}
	case 1:
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

// Emit delivers to every sink even when an earlier one fails and returns the
// joined errors.
func (m *MultiSink) Emit(ctx context.Context, event Event) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncSink decouples emitters from slow sinks such as the event store or the
// redis bus. Events beyond the buffer are dropped and counted.
type AsyncSink struct {
	downstream Sink
	logger     *slog.Logger
	queue      chan Event
	dropped    atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type AsyncOption func(*AsyncSink)

// WithErrorLogger logs downstream failures, which are otherwise discarded.
func WithErrorLogger(logger *slog.Logger) AsyncOption {
	return func(s *AsyncSink) { s.logger = logger }
}

func NewAsyncSink(downstream Sink, buffer int, opts ...AsyncOption) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	as := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(as)
	}
	go as.loop()
	return as
}

// Emit queues event without blocking. It is a no-op after Close.
func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	event.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.queue <- event:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Dropped reports how many events were discarded because the queue was full.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and waits for queued ones to drain.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
	if n := s.Dropped(); n > 0 && s.logger != nil {
		s.logger.Warn("async event sink dropped events", "count", n)
	}
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for event := range s.queue {
		if err := s.downstream.Emit(context.Background(), event); err != nil && s.logger != nil {
			s.logger.Warn("event delivery failed", "type", event.Type, "thread_id", event.ThreadID, "error", err)
		}
	}
}
