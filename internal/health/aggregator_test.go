package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ws-gateway/internal/upstream"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func dialPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return <-serverConnCh, client
}

func TestSnapshotUnknownForUnseenServices(t *testing.T) {
	a := NewAggregator(map[string]string{"auth-db": "ws://x"})

	snap := a.Snapshot()
	assert.Equal(t, "degraded", snap.Status)
	assert.Equal(t, "unknown", snap.Services["auth-db"].Status)
}

func TestOnConnectedMarksServiceOK(t *testing.T) {
	a := NewAggregator(map[string]string{"auth-db": "ws://x"})
	a.OnConnected("auth-db", "ws://x")

	snap := a.Snapshot()
	assert.True(t, snap.Services["auth-db"].OK)
	assert.Equal(t, "ok", snap.Status)
}

func TestOnErrorMarksServiceDown(t *testing.T) {
	a := NewAggregator(map[string]string{"auth-db": "ws://x"})
	a.OnConnected("auth-db", "ws://x")
	a.OnError("auth-db", "ws://x", errors.New("boom"))

	snap := a.Snapshot()
	assert.False(t, snap.Services["auth-db"].OK)
	assert.Equal(t, "error", snap.Services["auth-db"].Status)
	assert.Equal(t, "degraded", snap.Status)
}

func TestHandlerForAppliesDegradedButConnectedDatabase(t *testing.T) {
	a := NewAggregator(map[string]string{"auth-db": "ws://x"})
	handler := a.HandlerFor("auth-db", "ws://x")

	handler(upstream.Message{Payload: []byte(`{"status":"degraded","database":"connected"}`)})

	snap := a.Snapshot()
	assert.True(t, snap.Services["auth-db"].OK, "degraded status with connected database must count as ok")
}

func TestRegisterClientSendsSnapshotImmediately(t *testing.T) {
	a := NewAggregator(map[string]string{"auth-db": "ws://x"})
	server, client := dialPair(t)
	a.RegisterClient(server)

	client.SetReadDeadline(time.Now().Add(time.Second))
	var got map[string]any
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "services.health", got["event"])
}

func TestBroadcastReachesRegisteredClients(t *testing.T) {
	a := NewAggregator(map[string]string{"auth-db": "ws://x"})
	server, client := dialPair(t)
	a.RegisterClient(server)

	client.SetReadDeadline(time.Now().Add(time.Second))
	var initial map[string]any
	require.NoError(t, client.ReadJSON(&initial))

	a.OnConnected("auth-db", "ws://x")

	client.SetReadDeadline(time.Now().Add(time.Second))
	var update map[string]any
	require.NoError(t, client.ReadJSON(&update))
	assert.Equal(t, "services.health", update["event"])
}
