package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bridgeServer(t *testing.T, s *Service, name string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		NewBridge(s, conn, name).Run(r.Context())
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBridgeRoundTrip(t *testing.T) {
	s := NewService()

	var mu sync.Mutex
	var received []*Message
	s.RegisterHandler("echo", EventMessage, func(ctx context.Context, msg *Message) error {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		// echo straight back through the outbound queue
		return s.SendMessage(msg.ConnectionID, map[string]any{"echo": msg.Data})
	})

	server := bridgeServer(t, s, "echo")
	conn := dial(t, server)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`)))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"n":1}}`, string(data))

	mu.Lock()
	require.Len(t, received, 1)
	mu.Unlock()
}

func TestBridgeCloseDispatchesCloseEvent(t *testing.T) {
	s := NewService()

	closed := make(chan *Message, 1)
	s.RegisterHandler("chat", EventClose, func(ctx context.Context, msg *Message) error {
		closed <- msg
		return nil
	})

	server := bridgeServer(t, s, "chat")
	conn := dial(t, server)

	require.Eventually(t, func() bool {
		return len(s.Connections("chat")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second),
	))
	conn.Close()

	select {
	case msg := <-closed:
		assert.Equal(t, websocket.CloseNormalClosure, msg.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("close event never dispatched")
	}

	assert.Empty(t, s.Connections("chat"))
}

func TestBridgeBroadcastReachesDialedClient(t *testing.T) {
	s := NewService()
	server := bridgeServer(t, s, "feed")
	conn := dial(t, server)

	require.Eventually(t, func() bool {
		return len(s.Connections("feed")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	count, err := s.Broadcast("feed", "update")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "update", string(data))
}
