package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	dialer := NewWebSocketDialer(Options{})

	conn, err := dialer.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage([]byte(`{"type":"request","action":"app.info"}`)))

	data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request","action":"app.info"}`, string(data))
}

func TestWebSocketDialer_ConcurrentWrites(t *testing.T) {
	srv := newEchoServer(t)
	conn, err := NewWebSocketDialer(Options{}).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	const writers = 20
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			errs <- conn.WriteMessage([]byte(`{}`))
		}()
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
	}
	for i := 0; i < writers; i++ {
		_, err := conn.ReadMessage()
		require.NoError(t, err)
	}
}

func TestWebSocketDialer_Refused(t *testing.T) {
	srv := newEchoServer(t)
	url := wsURL(srv)
	srv.Close()

	_, err := NewWebSocketDialer(Options{}).Dial(context.Background(), url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}

func TestWebSocketDialer_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewWebSocketDialer(Options{}).Dial(context.Background(), wsURL(srv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestWebSocketDialer_ContextDeadline(t *testing.T) {
	// Accepts TCP but never completes the handshake.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewWebSocketDialer(Options{}).Dial(ctx, wsURL(srv))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestWSConn_CloseUnblocksRead(t *testing.T) {
	srv := newEchoServer(t)
	conn, err := NewWebSocketDialer(Options{}).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := conn.ReadMessage()
		readErr <- err
	}()

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "second close should be a no-op")

	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after close")
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, defaultWriteWait, opts.WriteWait)
	assert.Equal(t, defaultPongWait, opts.PongWait)
	assert.Equal(t, int64(defaultMaxMessageSize), opts.MaxMessageSize)

	custom := Options{WriteWait: time.Second, PongWait: 2 * time.Second, MaxMessageSize: 10}.withDefaults()
	assert.Equal(t, time.Second, custom.WriteWait)
	assert.Equal(t, int64(10), custom.MaxMessageSize)
}

func TestIsNormalClose(t *testing.T) {
	assert.True(t, IsNormalClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.False(t, IsNormalClose(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
}

func TestWSConn_PeerCloseIsNormal(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	t.Cleanup(srv.Close)

	conn, err := NewWebSocketDialer(Options{}).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, IsNormalClose(err))
}
