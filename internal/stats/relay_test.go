package stats

import (
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

func TestHandleUpstreamBroadcastsReshapedUpdate(t *testing.T) {
	r := NewRelay()
	server, client := dialPair(t)
	r.RegisterClient(server)

	r.HandleUpstream(upstream.Message{
		Event:   "donation.stats.snapshot",
		Payload: []byte(`{"currency":"USD","monthly_total":100,"monthly_target":1000,"percent":10,"today_total":5,"today_count":1}`),
	})

	client.SetReadDeadline(time.Now().Add(time.Second))
	var got Update
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "donation.stats.update", got.Event)
	assert.EqualValues(t, 100, got.Payload.Progress.TotalRaised)
}

func TestHandleUpstreamIgnoresOtherEvents(t *testing.T) {
	r := NewRelay()
	r.HandleUpstream(upstream.Message{Event: "some.other.event", Payload: []byte(`{}`)})
	assert.Nil(t, r.latest)
}

func TestHandleUpstreamDropsUnchangedFingerprint(t *testing.T) {
	r := NewRelay()
	payload := []byte(`{"currency":"USD","monthly_total":100}`)

	r.HandleUpstream(upstream.Message{Event: "donation.stats.snapshot", Payload: payload})
	first := r.latest

	r.HandleUpstream(upstream.Message{Event: "donation.stats.snapshot", Payload: payload})
	assert.Same(t, first, r.latest, "identical payload must not produce a new cached update")
}

func TestRegisterClientSendsCachedSnapshot(t *testing.T) {
	r := NewRelay()
	r.HandleUpstream(upstream.Message{
		Event:   "donation.stats.snapshot",
		Payload: []byte(`{"currency":"USD","monthly_total":50}`),
	})

	server, client := dialPair(t)
	r.RegisterClient(server)

	client.SetReadDeadline(time.Now().Add(time.Second))
	var got Update
	require.NoError(t, client.ReadJSON(&got))
	assert.EqualValues(t, 50, got.Payload.Progress.TotalRaised)
}

func TestHandleClientMessageRefreshResendsSnapshot(t *testing.T) {
	r := NewRelay()
	r.HandleUpstream(upstream.Message{
		Event:   "donation.stats.snapshot",
		Payload: []byte(`{"currency":"USD","monthly_total":50}`),
	})

	server, client := dialPair(t)
	r.HandleClientMessage(server, []byte(`{"event":"refresh"}`))

	client.SetReadDeadline(time.Now().Add(time.Second))
	var got Update
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "donation.stats.update", got.Event)
}
