package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// serve upgrades every request and hands the socket to fn.
func serve(t *testing.T, fn func(ws *websocket.Conn)) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(ws)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPeer_EchoPreservesOrder(t *testing.T) {
	peers := make(chan *Peer, 1)
	client := serve(t, func(ws *websocket.Conn) {
		p := NewPeer(ws, "alice", Options{SendBuffer: 16}, zap.NewNop())
		peers <- p
		p.Run(func(raw []byte) { p.Send(raw) })
	})

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, want := range []string{"one", "two", "three"} {
		_, got, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	p := <-peers
	assert.Equal(t, "alice", p.UserID())
	assert.Len(t, p.Handle(), 36)
}

func TestPeer_RunReturnsWhenClientLeaves(t *testing.T) {
	finished := make(chan struct{})
	client := serve(t, func(ws *websocket.Conn) {
		p := NewPeer(ws, "bob", Options{}, zap.NewNop())
		p.Run(func([]byte) {})
		close(finished)
	})

	require.NoError(t, client.Close())

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("read loop did not return")
	}
}

func TestPeer_SendNeverBlocks(t *testing.T) {
	peers := make(chan *Peer, 1)
	serve(t, func(ws *websocket.Conn) {
		peers <- NewPeer(ws, "carol", Options{SendBuffer: 1}, zap.NewNop())
	})
	p := <-peers

	assert.True(t, p.Send([]byte("a")))
	assert.False(t, p.Send([]byte("b")), "queue is full and nobody drains it")

	p.Close()
	p.Close()
	assert.False(t, p.Send([]byte("c")))

	select {
	case <-p.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestPeer_ServerCloseReachesClient(t *testing.T) {
	client := serve(t, func(ws *websocket.Conn) {
		p := NewPeer(ws, "dave", Options{}, zap.NewNop())
		go p.Run(func([]byte) {})
		p.Close()
	})

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestReject(t *testing.T) {
	client := serve(t, func(ws *websocket.Conn) {
		Reject(ws, []byte(`{"event":"error","payload":{"message":"invalid_token"}}`), "invalid_token", time.Second)
	})

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "invalid_token")

	_, _, err = client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{PongWait: 10 * time.Second, PingInterval: time.Minute}.withDefaults()
	assert.Equal(t, 5*time.Second, o.PingInterval)
	assert.Equal(t, 256, o.SendBuffer)
	assert.Equal(t, 4*time.Second, o.WriteTimeout)
}
