package dispatch

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestConn(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestControlHubPushReachesRegisteredConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan controlMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}))
	defer srv.Close()

	hub := newControlHub()
	clientConn := dialTestConn(t, srv)
	hub.register("s1", clientConn)

	assert.True(t, hub.push("s1", controlMessage{Type: "cancel"}))

	select {
	case msg := <-received:
		assert.Equal(t, "cancel", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("server never received the pushed message")
	}
}

func TestControlHubPushWithoutConnectionIsNoop(t *testing.T) {
	hub := newControlHub()
	assert.False(t, hub.push("missing", controlMessage{Type: "cancel"}))
}

func TestControlHubRegisterReplacesAndUnregisterIsScoped(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	hub := newControlHub()
	first := dialTestConn(t, srv)
	second := dialTestConn(t, srv)

	hub.register("s1", first)
	hub.register("s1", second)

	// unregistering the superseded connection must not evict the current one.
	hub.unregister("s1", first)
	assert.True(t, hub.push("s1", controlMessage{Type: "cancel"}))

	hub.unregister("s1", second)
	assert.False(t, hub.push("s1", controlMessage{Type: "cancel"}))
}
