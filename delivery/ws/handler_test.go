package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/finagent/delivery"
	"github.com/PipeOpsHQ/finagent/observe"
	eventsqlite "github.com/PipeOpsHQ/finagent/observe/store/sqlite"
)

func serve(t *testing.T, h *Handler) string {
	t.Helper()
	srv := httptest.NewServer(delivery.RequireUser(delivery.HeaderAuth, h))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, user string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if user != "" {
		header.Set(delivery.UserHeader, user)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func waitSubscribers(t *testing.T, hub *observe.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Subscribers() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_StreamsOwnEvents(t *testing.T) {
	hub := observe.NewHub()
	url := serve(t, NewHandler(hub))

	conn, _, err := dial(t, url, "alice")
	require.NoError(t, err)
	defer conn.Close()
	waitSubscribers(t, hub, 1)

	ctx := context.Background()
	require.NoError(t, hub.Emit(ctx, observe.Event{Type: observe.TypeRunStarted, ThreadID: "bob:t9", UserID: "bob"}))
	require.NoError(t, hub.Emit(ctx, observe.Event{Type: observe.TypeNodeStart, ThreadID: "alice:t1", UserID: "alice", Node: "supervisor"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got observe.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "supervisor", got.Node)
}

func TestHandler_ReplaysThreadHistory(t *testing.T) {
	store, err := eventsqlite.New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.SaveEvent(ctx, observe.Event{Type: observe.TypeRunSuspended, ThreadID: "alice:t1", UserID: "alice"}))

	hub := observe.NewHub()
	url := serve(t, NewHandler(hub, WithHistory(store)))

	conn, _, err := dial(t, url+"?thread_id=alice:t1", "alice")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got observe.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, observe.TypeRunSuspended, got.Type)
}

func TestHandler_RejectsForeignThreadAndAnonymous(t *testing.T) {
	hub := observe.NewHub()
	url := serve(t, NewHandler(hub))

	_, resp, err := dial(t, url+"?thread_id=bob:t1", "alice")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = dial(t, url, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestHandler_UnsubscribesOnDisconnect(t *testing.T) {
	hub := observe.NewHub()
	url := serve(t, NewHandler(hub))

	conn, _, err := dial(t, url, "alice")
	require.NoError(t, err)
	waitSubscribers(t, hub, 1)
	require.NoError(t, conn.Close())
	waitSubscribers(t, hub, 0)
}
