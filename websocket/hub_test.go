package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilevault/types"
)

// dialObserver spins up an upgrading test server, connects a client
// through it and registers it with the hub under jobID.
func dialObserver(t *testing.T, h Hub, jobID string) *websocket.Conn {
	t.Helper()

	connected := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := GetUpgrader()
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		client := NewClient(h, conn, jobID)
		h.RegisterClient(client)
		client.StartPumps()
		close(connected)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("observer never registered")
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.ProgressEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt types.ProgressEvent
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestHubDeliversToJobSubscriber(t *testing.T) {
	h := NewHub()
	go h.Run()

	conn := dialObserver(t, h, "job-1")

	h.BroadcastEvent(types.ProgressEvent{JobID: "job-1", Type: types.EventProgress, Status: types.TileSuccess})

	evt := readEvent(t, conn)
	assert.Equal(t, "job-1", evt.JobID)
	assert.Equal(t, types.EventProgress, evt.Type)
	assert.Equal(t, types.TileSuccess, evt.Status)
}

func TestHubJobSubscriberOnlySeesItsJob(t *testing.T) {
	h := NewHub()
	go h.Run()

	conn := dialObserver(t, h, "job-1")

	h.BroadcastEvent(types.ProgressEvent{JobID: "job-2", Type: types.EventProgress})
	h.BroadcastEvent(types.ProgressEvent{JobID: "job-1", Type: types.EventJobComplete})

	// The first event delivered must be job-1's, the job-2 event was
	// never routed here.
	evt := readEvent(t, conn)
	assert.Equal(t, "job-1", evt.JobID)
	assert.Equal(t, types.EventJobComplete, evt.Type)
}

func TestHubAllSubscriberSeesEveryJob(t *testing.T) {
	h := NewHub()
	go h.Run()

	conn := dialObserver(t, h, "all")

	h.BroadcastEvent(types.ProgressEvent{JobID: "job-1", Type: types.EventProgress})
	h.BroadcastEvent(types.ProgressEvent{JobID: "job-2", Type: types.EventProgress})

	seen := map[string]bool{}
	seen[readEvent(t, conn).JobID] = true
	seen[readEvent(t, conn).JobID] = true
	assert.True(t, seen["job-1"])
	assert.True(t, seen["job-2"])
}

func TestBroadcastNeverBlocksWithoutSubscribers(t *testing.T) {
	h := NewHub()
	// No Run loop: the broadcast buffer fills and further events must
	// be dropped, not block the sender.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.BroadcastEvent(types.ProgressEvent{JobID: "job-1", Type: types.EventProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BroadcastEvent blocked")
	}
}
