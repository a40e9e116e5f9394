package observe

import (
	"context"
	"sync"
)

// Subscription is a live feed of events for one user. Events are dropped for a
// subscriber whose buffer is full.
type Subscription struct {
	C      <-chan Event
	id     int
	hub    *Hub
	closed sync.Once
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.closed.Do(func() { s.hub.unsubscribe(s.id) })
}

type watcher struct {
	userID   string
	threadID string
	ch       chan Event
}

// Hub fans events out to in-process subscribers, filtered by user id and
// optionally by thread id. It implements Sink.
type Hub struct {
	mu       sync.RWMutex
	nextID   int
	watchers map[int]watcher
}

func NewHub() *Hub {
	return &Hub{watchers: map[int]watcher{}}
}

// Subscribe returns events owned by userID. A non-empty threadID narrows the
// feed to that thread.
func (h *Hub) Subscribe(userID, threadID string, buffer int) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if buffer <= 0 {
		buffer = 64
	}
	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.watchers[id] = watcher{userID: userID, threadID: threadID, ch: ch}
	return &Subscription{C: ch, id: id, hub: h}
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watchers[id]; ok {
		delete(h.watchers, id)
		close(w.ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

func (h *Hub) Emit(ctx context.Context, event Event) error {
	_ = ctx
	event.Normalize()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.watchers {
		if w.userID != event.UserID {
			continue
		}
		if w.threadID != "" && w.threadID != event.ThreadID {
			continue
		}
		select {
		case w.ch <- event:
		default:
		}
	}
	return nil
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, w := range h.watchers {
		delete(h.watchers, id)
		close(w.ch)
	}
}

var _ Sink = (*Hub)(nil)
