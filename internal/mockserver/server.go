// Package mockserver implements a fake scanning backend speaking the
// scanlink wire protocol. It answers the bootstrap actions, simulates scans
// that push progress events, and can drop its connections on demand. It is
// used by tests and by the mock-server command.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/protocol"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriodRatio = 0.9
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio)
	maxMessageSize  = 64 * 1024
	bufferSize      = 256

	shutdownTimeout = 5 * time.Second
)

// Version is reported by app.info.
const Version = "0.0.0-mock"

// Options configure the fake backend.
type Options struct {
	Logger *slog.Logger

	// TickInterval paces simulated scan updates.
	TickInterval time.Duration

	// DevicesPerScan bounds how many hosts a simulated scan reports.
	DevicesPerScan int
}

// Server is the fake backend.
type Server struct {
	logger   *slog.Logger
	tick     time.Duration
	devices  int
	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[*client]struct{}
	scans     map[string]*scan
	requests  map[string]int
	failures  map[string]string
	silenced  map[string]bool
	followups map[string]followup
	revision  int
	accepting bool
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Component("mockserver")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 250 * time.Millisecond
	}
	if opts.DevicesPerScan <= 0 {
		opts.DevicesPerScan = 8
	}

	return &Server{
		logger:  opts.Logger,
		tick:    opts.TickInterval,
		devices: opts.DevicesPerScan,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*client]struct{}),
		scans:     make(map[string]*scan),
		requests:  make(map[string]int),
		failures:  make(map[string]string),
		silenced:  make(map[string]bool),
		followups: make(map[string]followup),
		accepting: true,
	}
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS)
	r.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)

	logged := handlers.CustomLoggingHandler(io.Discard, r, s.logRequest)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(logged)
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Mock backend listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops all scans and closes every client.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for _, sc := range s.scans {
		sc.stop()
	}
	s.mu.Unlock()
	s.DropConnections()
}

// DropConnections abruptly closes every client connection without a close
// handshake, as a crashed or restarted backend would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.drop()
	}
	s.logger.Info("Dropped connections", "count", len(clients))
}

// SetAccepting controls whether new websocket upgrades are accepted.
func (s *Server) SetAccepting(accepting bool) {
	s.mu.Lock()
	s.accepting = accepting
	s.mu.Unlock()
}

// FailAction makes action answer with an error frame carrying msg. An empty
// msg restores normal behavior.
func (s *Server) FailAction(action, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg == "" {
		delete(s.failures, action)
		return
	}
	s.failures[action] = msg
}

// SilenceAction makes action never answer.
func (s *Server) SilenceAction(action string, silent bool) {
	s.mu.Lock()
	s.silenced[action] = silent
	s.mu.Unlock()
}

// followup is an event pushed right after a response.
type followup struct {
	event string
	data  any
}

// FollowAction makes every successful reply to action be followed
// immediately by event carrying data, on the same connection.
func (s *Server) FollowAction(action, event string, data any) {
	s.mu.Lock()
	s.followups[action] = followup{event: event, data: data}
	s.mu.Unlock()
}

// RequestCount returns how many requests for action were received.
func (s *Server) RequestCount(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[action]
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.Clients(),
		"version": Version,
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	accepting := s.accepting
	s.mu.Unlock()
	if !accepting {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		send:   make(chan []byte, bufferSize),
		done:   make(chan struct{}),
		subs:   make(map[string]struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("Client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	go c.writePump()
	c.sendEvent(protocol.EventConnectionEstablished, map[string]string{"client_id": c.id})
	c.readPump()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.logger.Debug("Client disconnected", "client_id", c.id)
}

func (s *Server) logRequest(_ io.Writer, params handlers.LogFormatterParams) {
	s.logger.Debug("HTTP request",
		"method", params.Request.Method,
		"path", params.URL.Path,
		"status", params.StatusCode,
		"size", params.Size)
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("Recovered from panic", "panic", v)
}

// client is one websocket connection.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !isClosedConn(err) && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("WebSocket unexpected close", "client_id", c.id, "error", err)
			}
			return
		}
		c.server.handleFrame(c, data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// drop closes the socket under the client without a close frame.
func (c *client) drop() {
	c.close()
	if nc := c.conn.NetConn(); nc != nil {
		_ = nc.Close()
	}
}

func (c *client) enqueue(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.server.logger.Error("Failed to encode frame", "error", err)
		return
	}
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.server.logger.Warn("Client send buffer full, dropping client", "client_id", c.id)
		c.drop()
	}
}

func (c *client) sendEvent(name string, data any) {
	ev, err := protocol.NewEvent(name, data)
	if err != nil {
		c.server.logger.Error("Failed to build event", "event", name, "error", err)
		return
	}
	c.enqueue(ev)
}

func (c *client) subscribe(scanID string) {
	c.mu.Lock()
	c.subs[scanID] = struct{}{}
	c.mu.Unlock()
}

func (c *client) unsubscribe(scanID string) {
	c.mu.Lock()
	delete(c.subs, scanID)
	c.mu.Unlock()
}

func (c *client) subscribed(scanID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[scanID]
	return ok
}

// broadcast sends an event to every client subscribed to scanID.
func (s *Server) broadcast(scanID, name string, data any) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c.subscribed(scanID) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.sendEvent(name, data)
	}
}

// isClosedConn reports errors caused by our own drop.
func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
