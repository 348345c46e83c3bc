// Package transport provides the physical message connection to the scanning
// backend. The connection layer above it only sees whole text frames.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WebSocket configuration defaults.
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	pingPeriodRatio       = 0.9
	defaultMaxMessageSize = 4 * 1024 * 1024
	bufferSize            = 4096
)

// Conn is a bidirectional frame connection.
type Conn interface {
	// ReadMessage blocks until the next frame arrives or the connection fails.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one frame. Safe for concurrent use.
	WriteMessage(data []byte) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Options tune the websocket connection.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	Header         http.Header
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	return o
}

// WebSocketDialer dials the backend with gorilla/websocket.
type WebSocketDialer struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer with the given options.
func NewWebSocketDialer(opts Options) *WebSocketDialer {
	return &WebSocketDialer{
		opts: opts.withDefaults(),
		dialer: &websocket.Dialer{
			Proxy:           http.ProxyFromEnvironment,
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
		},
	}
}

// Dial opens a websocket connection. The handshake is bounded by ctx.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, url, d.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s failed: %w (status: %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s failed: %w", url, err)
	}
	return newWSConn(ws, d.opts), nil
}

// wsConn adapts *websocket.Conn to Conn. gorilla allows one concurrent
// writer, so writes and pings share writeMu.
type wsConn struct {
	ws   *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, opts Options) *wsConn {
	c := &wsConn{
		ws:   ws,
		opts: opts,
		done: make(chan struct{}),
	}

	ws.SetReadLimit(opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go c.pingLoop()
	return c
}

// ReadMessage returns the next text or binary frame.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		// Any traffic proves the peer is alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage sends a text frame.
func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(time.Duration(float64(c.opts.PongWait) * pingPeriodRatio))
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// IsNormalClose reports whether err is an orderly websocket close.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
