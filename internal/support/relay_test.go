package support

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ws-gateway/internal/bus"
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

func mustEnvelope(t *testing.T, event string, data map[string]any) bus.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return bus.Envelope{Event: event, Data: raw, Timestamp: 1.0}
}

func TestHandleBusEventBroadcastsToMatchingSubscriber(t *testing.T) {
	r := NewRelay(50)
	server, client := dialPair(t)
	r.Subscribe(server, Filters{ProjectID: "p1"})

	client.SetReadDeadline(time.Now().Add(time.Second))
	var snap snapshot
	require.NoError(t, client.ReadJSON(&snap))
	assert.Equal(t, "support.snapshot", snap.Event)

	env := mustEnvelope(t, "support.ticket.created", map[string]any{"project_id": "p1"})
	require.NoError(t, r.HandleBusEvent(env, "support.ticket.created"))

	client.SetReadDeadline(time.Now().Add(time.Second))
	var got Event
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "support.ticket.created", got.Event)
}

func TestHandleBusEventSkipsNonMatchingSubscriber(t *testing.T) {
	r := NewRelay(50)
	server, client := dialPair(t)
	r.Subscribe(server, Filters{ProjectID: "other"})

	client.SetReadDeadline(time.Now().Add(time.Second))
	var snap snapshot
	require.NoError(t, client.ReadJSON(&snap))

	env := mustEnvelope(t, "support.ticket.created", map[string]any{"project_id": "p1"})
	require.NoError(t, r.HandleBusEvent(env, "support.ticket.created"))

	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var got Event
	err := client.ReadJSON(&got)
	assert.Error(t, err, "filtered-out subscriber must not receive the event")
}

func TestReplayBufferTrimsToLimit(t *testing.T) {
	r := NewRelay(2)

	for i := 0; i < 5; i++ {
		env := mustEnvelope(t, "support.ticket.updated", map[string]any{"i": i})
		require.NoError(t, r.HandleBusEvent(env, "support.ticket.updated"))
	}

	assert.Len(t, r.buffer, 2)
}

func TestHandleClientMessageRefreshResendsSnapshot(t *testing.T) {
	r := NewRelay(50)
	server, client := dialPair(t)
	r.Subscribe(server, Filters{})

	client.SetReadDeadline(time.Now().Add(time.Second))
	var first snapshot
	require.NoError(t, client.ReadJSON(&first))

	r.HandleClientMessage(server, "refresh", Filters{})

	client.SetReadDeadline(time.Now().Add(time.Second))
	var second snapshot
	require.NoError(t, client.ReadJSON(&second))
	assert.Equal(t, "support.snapshot", second.Event)
}

func TestHandleClientMessagePing(t *testing.T) {
	r := NewRelay(50)
	server, client := dialPair(t)
	r.Subscribe(server, Filters{})

	client.SetReadDeadline(time.Now().Add(time.Second))
	var snap snapshot
	require.NoError(t, client.ReadJSON(&snap))

	r.HandleClientMessage(server, "ping", Filters{})

	client.SetReadDeadline(time.Now().Add(time.Second))
	var pong map[string]any
	require.NoError(t, client.ReadJSON(&pong))
	assert.Equal(t, "support.pong", pong["event"])
}
