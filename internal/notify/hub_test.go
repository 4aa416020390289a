package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

func newHub(t *testing.T) (*Hub, string) {
	t.Helper()

	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var ev Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))

	return ev
}

func TestPublish_ReachesEveryClient(t *testing.T) {
	hub, url := newHub(t)
	a := dial(t, url)
	b := dial(t, url)
	waitFor(t, 2*time.Second, func() bool { return hub.Clients() == 2 })

	hub.Publish()

	assert.Equal(t, OpRecordsChanged, readEvent(t, a).Op)
	assert.Equal(t, OpRecordsChanged, readEvent(t, b).Op)
}

func TestPublish_WithoutClients(t *testing.T) {
	hub, _ := newHub(t)
	hub.Publish()
	assert.Zero(t, hub.Clients())
}

func TestPublish_DoesNotBlockOnSlowClient(t *testing.T) {
	hub, url := newHub(t)
	conn := dial(t, url)
	waitFor(t, 2*time.Second, func() bool { return hub.Clients() == 1 })

	done := make(chan struct{})
	go func() {
		for range 100 {
			hub.Publish()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}

	assert.Equal(t, OpRecordsChanged, readEvent(t, conn).Op)
}

func TestServeHTTP_ClientDisconnect(t *testing.T) {
	hub, url := newHub(t)
	conn := dial(t, url)
	waitFor(t, 2*time.Second, func() bool { return hub.Clients() == 1 })

	_ = conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, 2*time.Second, func() bool { return hub.Clients() == 0 })
}
