package wsgw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
)

func newTestServer(t *testing.T, hub *Hub, submit Submitter) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Upgrade(w, r, submit)
	}))
	wsURL := "ws" + srv.URL[len("http"):]
	return srv, wsURL
}

func TestUpgradeEchoesTaskSubmissionReply(t *testing.T) {
	hub := New(nil)
	submit := func(sub task.Submission) Frame {
		return Frame{Type: "result", Payload: task.CompletedRecord{TaskID: sub.TaskID, Status: task.StatusCompleted}}
	}
	srv, wsURL := newTestServer(t, hub, submit)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    "task",
		"payload": map[string]string{"task_id": "t1", "kind": "prompt", "prompt": "hi"},
	}))

	var got Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "result", got.Type)
}

func TestUpgradeRejectsUnknownFrameType(t *testing.T) {
	hub := New(nil)
	srv, wsURL := newTestServer(t, hub, func(task.Submission) Frame { return Frame{} })
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))

	var got Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "error", got.Type)
	assert.Equal(t, "UNKNOWN_FRAME_TYPE", got.Code)
}

func TestPeerCountTracksConnections(t *testing.T) {
	hub := New(nil)
	srv, wsURL := newTestServer(t, hub, func(task.Submission) Frame { return Frame{} })
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return hub.PeerCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.PeerCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcastDeliversToConnectedPeer(t *testing.T) {
	hub := New(nil)
	srv, wsURL := newTestServer(t, hub, func(task.Submission) Frame { return Frame{} })
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return hub.PeerCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(task.CompletedRecord{TaskID: "t1", Status: task.StatusCompleted})

	var got Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "result", got.Type)
}
