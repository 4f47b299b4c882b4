package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func TestConsumerReceivesMessagesAndPrimer(t *testing.T) {
	primerReceived := make(chan map[string]any, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		_ = ws.WriteJSON(Message{Event: "donation.stats.snapshot", Payload: []byte(`{"today_total":5}`)})

		var primer map[string]any
		if err := ws.ReadJSON(&primer); err == nil {
			primerReceived <- primer
		}

		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):]

	var mu sync.Mutex
	var received []Message

	c := &Consumer{
		Name:          "donation-stats",
		URL:           url,
		ReconnectWait: time.Hour,
		Primer:        map[string]string{"event": "donation.stats.get", "currency": "USD"},
		Handler: func(m Message) {
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case primer := <-primerReceived:
		assert.Equal(t, "donation.stats.get", primer["event"])
	case <-time.After(time.Second):
		t.Fatal("primer was not sent")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "donation.stats.snapshot", received[0].Event)
	mu.Unlock()
}

func TestConsumerReconnectsOnDrop(t *testing.T) {
	var connects int32
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		mu.Lock()
		connects++
		mu.Unlock()
		ws.Close()
	}))
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):]

	c := &Consumer{
		Name:          "flaky",
		URL:           url,
		ReconnectWait: 10 * time.Millisecond,
		Handler:       func(Message) {},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, connects, int32(1), "consumer must redial after the socket closes")
}
