package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/roost/internal/domain"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, hub.ClientCount())
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var event map[string]any
	require.NoError(t, json.Unmarshal(msg, &event))
	return event
}

func TestHubJobUpdateEvent(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	result := json.RawMessage(`{"tweet_id":"123"}`)
	hub.JobUpdate("job-1", domain.JobCompleted, result)

	event := readEvent(t, conn)
	assert.Equal(t, "job_update", event["type"])
	assert.Equal(t, "job-1", event["job_id"])
	assert.Equal(t, "completed", event["status"])
	assert.Equal(t, map[string]any{"tweet_id": "123"}, event["result"])
}

func TestHubQueueStatusEvent(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	hub.QueueStatus("paused", "dequeue suspended")

	event := readEvent(t, conn)
	assert.Equal(t, "queue_status", event["type"])
	assert.Equal(t, "paused", event["status"])
	assert.Equal(t, "dequeue suspended", event["message"])
}

func TestHubProfileUpdateStatusEvent(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	hub.ProfileUpdateStatus("job-9", domain.JobFailed, "bad avatar")

	event := readEvent(t, conn)
	assert.Equal(t, "profile_update_status", event["type"])
	assert.Equal(t, "job-9", event["id"])
	assert.Equal(t, "failed", event["status"])
	assert.Equal(t, "bad avatar", event["error"])
}

func TestHubDropsDisconnectedClient(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.NoError(t, conn.Close())
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, hub.ClientCount())

	// Broadcasting with no subscribers must not block or panic.
	hub.QueueStatus("running", "still here")
}
