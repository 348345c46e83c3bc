// Package connection owns the single physical connection to the scanning
// backend: its lifecycle state machine, the generation counter that
// identifies each physical connection, and the reconnection policy that
// runs after an unexpected drop.
package connection

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/anstrom/scanlink/internal/errors"
	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/metrics"
	"github.com/anstrom/scanlink/internal/transport"
)

// State is the lifecycle state of the connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateErrored      State = "errored"
)

const defaultConnectTimeout = 10 * time.Second

// StatusObserver receives every state transition. err is set when the
// transition was caused by a failure.
type StatusObserver func(state State, err error)

// FrameHandler receives inbound frames in arrival order.
type FrameHandler func(frame []byte)

// CloseHandler runs synchronously whenever a connection generation ends,
// before the resulting state transition is published.
type CloseHandler func(generation uint64, err error)

// ReconnectPolicy controls automatic reconnection after an unexpected close.
type ReconnectPolicy struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Options configure a Manager.
type Options struct {
	URL            string
	Dialer         transport.Dialer
	ConnectTimeout time.Duration
	Reconnect      ReconnectPolicy
	Logger         *slog.Logger
	Metrics        *metrics.PrometheusMetrics
}

// Manager owns one physical connection at a time.
type Manager struct {
	dialer         transport.Dialer
	connectTimeout time.Duration
	policy         ReconnectPolicy
	logger         *logging.Logger
	metrics        *metrics.PrometheusMetrics

	// connectMu serializes Connect so concurrent callers never dial twice.
	connectMu sync.Mutex

	mu         sync.Mutex
	url        string
	conn       transport.Conn
	state      State
	generation uint64

	// disconnects counts Disconnect calls. Connect only installs a dialed
	// connection when no Disconnect happened while it was dialing.
	disconnects uint64
	dialCancel  context.CancelFunc

	observer     StatusObserver
	frameHandler FrameHandler
	closeHandler CloseHandler

	reconnectCancel context.CancelFunc
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("connection")
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWebSocketDialer(transport.Options{})
	}

	return &Manager{
		dialer:         opts.Dialer,
		connectTimeout: opts.ConnectTimeout,
		policy:         opts.Reconnect,
		logger:         logging.FromSlog(opts.Logger),
		metrics:        opts.Metrics,
		url:            opts.URL,
		state:          StateDisconnected,
	}
}

// SetObserver replaces the status observer.
func (m *Manager) SetObserver(fn StatusObserver) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// SetFrameHandler replaces the inbound frame handler.
func (m *Manager) SetFrameHandler(fn FrameHandler) {
	m.mu.Lock()
	m.frameHandler = fn
	m.mu.Unlock()
}

// SetCloseHandler replaces the handler run when a generation ends.
func (m *Manager) SetCloseHandler(fn CloseHandler) {
	m.mu.Lock()
	m.closeHandler = fn
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the counter of the most recent successful connection.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// URL returns the current target address.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// UpdateURL replaces the target address. It takes effect on the next Connect.
func (m *Manager) UpdateURL(url string) {
	m.mu.Lock()
	m.url = url
	m.mu.Unlock()
}

// Connect opens the connection. It returns immediately when already connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	url := m.url
	epoch := m.disconnects
	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	m.dialCancel = cancel
	m.mu.Unlock()
	defer cancel()

	m.transition(StateConnecting, nil)

	conn, err := m.dialer.Dial(dialCtx, url)
	timedOut := stderrors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	m.mu.Lock()
	m.dialCancel = nil
	interrupted := m.disconnects != epoch
	if !interrupted && err == nil && ctx.Err() == nil {
		m.generation++
		m.conn = conn
	}
	gen := m.generation
	m.mu.Unlock()

	// A deliberate Disconnect or a canceled caller wins over a dial that
	// finished late.
	if interrupted || ctx.Err() != nil {
		if conn != nil {
			_ = conn.Close()
		}
		m.transition(StateDisconnected, nil)
		cause := ctx.Err()
		if interrupted {
			cause = errors.ErrConnectionClosed("disconnect requested during connect")
		}
		m.logger.Debug("Connect abandoned", "url", url, "error", cause)
		return errors.WrapConnectionError(errors.CodeCanceled, "Connect canceled", url, cause)
	}

	if err != nil {
		reason := err
		if timedOut {
			reason = fmt.Errorf("connect timeout after %s: %w", m.connectTimeout, err)
		}
		connErr := errors.WrapConnectionError(errors.CodeConnectFailure, "Failed to connect", url, reason)
		m.metrics.IncrementConnectAttempts("failure")
		m.logger.Warn("Connect attempt failed", "url", url, "error", reason)
		m.transition(StateErrored, connErr)
		return connErr
	}

	m.metrics.IncrementConnectAttempts("success")
	m.metrics.SetGeneration(gen)
	m.logger.WithGeneration(gen).InfoConnection("Connected", url)

	// Publish before reading so observers never see the drop of a
	// generation ahead of its arrival.
	m.transition(StateConnected, nil)
	go m.readLoop(conn, gen)

	// Disconnect may have detached conn between install and publish.
	m.mu.Lock()
	detached := m.disconnects != epoch
	m.mu.Unlock()
	if detached {
		m.transition(StateDisconnected, nil)
		return errors.WrapConnectionError(errors.CodeCanceled, "Connect canceled", url,
			errors.ErrConnectionClosed("disconnect requested during connect"))
	}
	return nil
}

// Disconnect closes the connection deliberately and fails every pending
// request of the current generation. It is idempotent, stops any running
// reconnect loop and abandons a dial in progress.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.disconnects++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
	conn := m.conn
	m.conn = nil
	gen := m.generation
	closeHandler := m.closeHandler
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("Error closing connection", "error", err)
		}
		m.logger.WithGeneration(gen).Info("Disconnected")
	}

	if closeHandler != nil {
		closeHandler(gen, errors.ErrConnectionClosed("disconnect requested"))
	}

	m.transition(StateDisconnected, nil)
}

// Write sends one frame on the open connection.
func (m *Manager) Write(frame []byte) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return errors.NewConnectionError(errors.CodeNotConnected, "Not connected")
	}
	conn := m.conn
	m.mu.Unlock()

	if err := conn.WriteMessage(frame); err != nil {
		return errors.WrapConnectionError(errors.CodeConnectionClosed, "Write failed", m.URL(), err)
	}
	return nil
}

// readLoop forwards frames of one generation until the transport fails.
func (m *Manager) readLoop(conn transport.Conn, gen uint64) {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, gen, err)
			return
		}

		m.mu.Lock()
		handler := m.frameHandler
		m.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

// handleClose reacts to the transport ending. Closes caused by Disconnect
// are ignored because Disconnect already detached conn.
func (m *Manager) handleClose(conn transport.Conn, gen uint64, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	closeHandler := m.closeHandler
	url := m.url
	m.mu.Unlock()

	_ = conn.Close()

	if transport.IsNormalClose(cause) {
		m.logger.WithGeneration(gen).InfoConnection("Connection closed by backend", url, "error", cause)
	} else {
		m.logger.WithGeneration(gen).Warn("Connection lost", "url", url, "error", cause)
	}

	closeErr := errors.WrapConnectionError(errors.CodeConnectionClosed, "Connection lost", url, cause)
	if closeHandler != nil {
		closeHandler(gen, closeErr)
	}
	m.transition(StateDisconnected, closeErr)

	if m.policy.Enabled {
		m.startReconnect()
	}
}

// startReconnect launches the exponential reconnect loop unless one is running.
func (m *Manager) startReconnect() {
	m.mu.Lock()
	if m.reconnectCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectCancel = cancel
	m.mu.Unlock()

	m.metrics.IncrementReconnects()
	go m.reconnectLoop(ctx, cancel)
}

func (m *Manager) reconnectLoop(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		m.mu.Lock()
		// Disconnect may already have cleared or replaced the loop handle.
		if ctx.Err() == nil {
			m.reconnectCancel = nil
		}
		m.mu.Unlock()
		cancel()
	}()

	expBackoff := backoff.NewExponentialBackOff()
	if m.policy.InitialInterval > 0 {
		expBackoff.InitialInterval = m.policy.InitialInterval
	}
	if m.policy.MaxInterval > 0 {
		expBackoff.MaxInterval = m.policy.MaxInterval
	}
	expBackoff.MaxElapsedTime = m.policy.MaxElapsedTime
	expBackoff.Reset()

	attempt := 0
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		return m.Connect(ctx)
	}
	notify := func(err error, next time.Duration) {
		m.logger.Info("Reconnect attempt failed, will retry", "attempt", attempt, "next_in", next, "error", err)
	}

	// The first reconnect also waits one interval, giving the backend a moment.
	select {
	case <-ctx.Done():
		return
	case <-time.After(expBackoff.NextBackOff()):
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		if ctx.Err() == nil {
			m.logger.ErrorConnection("Giving up on reconnect", m.URL(), err, "attempts", attempt)
		}
		return
	}
	m.logger.Info("Reconnected", "attempts", attempt, "generation", m.Generation())
}

// transition moves to state and publishes it when it changed.
func (m *Manager) transition(state State, err error) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	observer := m.observer
	m.mu.Unlock()

	m.metrics.SetConnectionState(string(state))
	if observer != nil {
		observer(state, err)
	}
}
