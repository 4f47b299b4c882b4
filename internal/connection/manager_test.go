package connection

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// dialPair spins up a one-shot test server and returns the server-side
// connection (what Manager holds) and the client-side connection (what the
// test uses to observe sends/closes).
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

	server := <-serverConnCh
	return server, client
}

func TestConnectAndSafeSend(t *testing.T) {
	m := NewManager()
	server, client := dialPair(t)

	m.Connect("s1", server)
	assert.True(t, m.SafeSend("s1", map[string]string{"hello": "world"}))

	client.SetReadDeadline(time.Now().Add(time.Second))
	var got map[string]string
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "world", got["hello"])
}

func TestSafeSendNoConnectionReturnsFalse(t *testing.T) {
	m := NewManager()
	assert.False(t, m.SafeSend("missing", map[string]string{"a": "b"}))
}

func TestAttachUserRequiresActiveConnection(t *testing.T) {
	m := NewManager()
	m.AttachUser("no-socket", "42")

	detached := m.DetachUser("42")
	assert.Empty(t, detached, "attach must be a no-op without an active socket")
}

func TestBroadcastToUserPrunesDeadSockets(t *testing.T) {
	m := NewManager()
	server, client := dialPair(t)

	m.Connect("s1", server)
	m.AttachUser("s1", "42")

	client.Close()
	time.Sleep(50 * time.Millisecond)

	m.BroadcastToUser("42", map[string]string{"x": "y"})
	assert.Equal(t, 0, m.Count(), "dead socket must be pruned from bySession")
}

func TestConnectReplacesExistingSocket(t *testing.T) {
	m := NewManager()
	server1, client1 := dialPair(t)
	server2, _ := dialPair(t)

	m.Connect("s1", server1)
	m.Connect("s1", server2)

	client1.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client1.ReadMessage()
	assert.Error(t, err, "replaced socket should receive a close frame then EOF")

	assert.Equal(t, 1, m.Count())
}

func TestCloseAllClearsState(t *testing.T) {
	m := NewManager()
	server, _ := dialPair(t)

	m.Connect("s1", server)
	m.AttachUser("s1", "42")

	m.CloseAll(CloseShutdown)
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.DetachUser("42"))
}
