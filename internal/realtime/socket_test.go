package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialSocket(t *testing.T, onClose func(*Socket)) (*websocket.Conn, chan *Socket) {
	t.Helper()

	upgrader := NewUpgrader()
	sockets := make(chan *Socket, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		socket := NewSocket(conn, "alice", onClose)
		sockets <- socket
		socket.Run()
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, sockets
}

func TestSocketDeliversPayloads(t *testing.T) {
	client, sockets := dialSocket(t, nil)
	socket := <-sockets

	require.NoError(t, socket.Send([]byte(`{"type":"message:new"}`)))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := client.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"message:new"}`, string(payload))
}

func TestSocketCloseFiresCallbackOnce(t *testing.T) {
	var closes atomic.Int64
	_, sockets := dialSocket(t, func(*Socket) { closes.Add(1) })
	socket := <-sockets

	require.NoError(t, socket.Close(websocket.CloseNormalClosure, "bye"))
	require.NoError(t, socket.Close(websocket.CloseNormalClosure, "bye again"))

	require.EqualValues(t, 1, closes.Load())
	require.ErrorIs(t, socket.Send([]byte("late")), ErrSocketClosed)
}

func TestSocketAnswersApplicationPing(t *testing.T) {
	client, sockets := dialSocket(t, nil)
	<-sockets

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := client.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"pong"}`, string(payload))
}
