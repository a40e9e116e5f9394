// Package ws streams observe events to websocket clients. A client sees only
// its own events and may narrow the feed to one thread, in which case the
// stored history of that thread is replayed first.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PipeOpsHQ/finagent/delivery"
	"github.com/PipeOpsHQ/finagent/logging"
	"github.com/PipeOpsHQ/finagent/observe"
	observestore "github.com/PipeOpsHQ/finagent/observe/store"
	"github.com/PipeOpsHQ/finagent/orchestrator"
)

const (
	defaultBuffer       = 128
	defaultPingInterval = 15 * time.Second
	defaultReplayLimit  = 200
	writeTimeout        = 5 * time.Second
)

type Handler struct {
	hub          *observe.Hub
	history      observestore.Store
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	buffer       int
	pingInterval time.Duration
}

type Option func(*Handler)

// WithHistory replays stored events of the requested thread on connect.
func WithHistory(store observestore.Store) Option {
	return func(h *Handler) {
		h.history = store
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

func WithBuffer(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithCheckOrigin overrides the upgrader's same-origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

// NewHandler returns a handler that must run behind delivery.RequireUser.
func NewHandler(hub *observe.Hub, opts ...Option) *Handler {
	h := &Handler{
		hub:          hub,
		buffer:       defaultBuffer,
		pingInterval: defaultPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDiscard(h.logger)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := delivery.UserFromContext(r.Context())
	if userID == "" {
		http.Error(w, "user identity required", http.StatusUnauthorized)
		return
	}
	threadID := strings.TrimSpace(r.URL.Query().Get("thread_id"))
	if threadID != "" {
		if err := orchestrator.VerifyOwner(threadID, userID); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(userID, threadID, h.buffer)
	defer sub.Close()
	h.logger.Debug("websocket subscribed", "user_id", userID, "thread_id", threadID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.readLoop(conn, cancel)

	if err := h.replay(ctx, conn, threadID); err != nil {
		h.logger.Debug("websocket replay failed", "user_id", userID, "error", err)
		return
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case event, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := write(conn, event); err != nil {
				return
			}
		}
	}
}

func (h *Handler) replay(ctx context.Context, conn *websocket.Conn, threadID string) error {
	if h.history == nil || threadID == "" {
		return nil
	}
	backlog, err := h.history.ListEventsByThread(ctx, threadID, observestore.ListQuery{Limit: defaultReplayLimit})
	if err != nil {
		h.logger.Warn("load event history failed", "thread_id", threadID, "error", err)
		return nil
	}
	for _, event := range backlog {
		if err := write(conn, event); err != nil {
			return err
		}
	}
	return nil
}

// readLoop drains client frames so control messages are processed, and
// cancels the stream once the client goes away.
func (h *Handler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func write(conn *websocket.Conn, event observe.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(event)
}
