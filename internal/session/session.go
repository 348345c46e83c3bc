// Package session sequences first contact with the scanning backend,
// bootstraps reference data, resynchronizes after reconnects and exposes the
// scan operations built on top of the correlated connection.
package session

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/anstrom/scanlink/internal/config"
	"github.com/anstrom/scanlink/internal/connection"
	"github.com/anstrom/scanlink/internal/correlator"
	"github.com/anstrom/scanlink/internal/errors"
	"github.com/anstrom/scanlink/internal/events"
	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/metrics"
	"github.com/anstrom/scanlink/internal/protocol"
	"github.com/anstrom/scanlink/internal/reconcile"
	"github.com/anstrom/scanlink/internal/router"
	"github.com/anstrom/scanlink/internal/supervisor"
	"github.com/anstrom/scanlink/internal/transport"
)

// Defaults used when Options leave a field unset.
const (
	DefaultMaxAttempts = 8
	DefaultRetryDelay  = 2500 * time.Millisecond
)

// Phase is the user-visible session phase.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseConnecting      Phase = "connecting"
	PhaseBootstrapping   Phase = "bootstrapping"
	PhaseReady           Phase = "ready"
	PhaseUnreachable     Phase = "unreachable"
	PhaseBootstrapFailed Phase = "bootstrap_failed"
	PhaseDisconnected    Phase = "disconnected"
	PhaseReconnecting    Phase = "reconnecting"
)

// Progress reports a phase change. Attempt and MaxAttempts are set while
// connecting so a caller can render "attempt 3 of 8".
type Progress struct {
	Phase       Phase
	Attempt     int
	MaxAttempts int
	Err         error
}

// Observer receives progress reports.
type Observer func(Progress)

// Options configure a Session.
type Options struct {
	Endpoint       config.EndpointConfig
	Dialer         transport.Dialer
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// MaxAttempts below 1 selects DefaultMaxAttempts.
	MaxAttempts int
	// RetryDelay of zero retries immediately, matching retry_delay: 0 in the
	// configuration. Only a negative value selects DefaultRetryDelay.
	RetryDelay time.Duration
	Reconnect  connection.ReconnectPolicy

	// Supervisor, when set, is asked for the backend port before first contact.
	Supervisor supervisor.Supervisor

	Logger  *slog.Logger
	Metrics *metrics.PrometheusMetrics
}

// OptionsFromConfig maps the client configuration onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Endpoint: cfg.Endpoint,
		Dialer: transport.NewWebSocketDialer(transport.Options{
			WriteWait:      cfg.Connection.WriteWait,
			PongWait:       cfg.Connection.PongWait,
			MaxMessageSize: cfg.Connection.MaxMessageSize,
		}),
		ConnectTimeout: cfg.Connection.ConnectTimeout,
		RequestTimeout: cfg.Connection.RequestTimeout,
		MaxAttempts:    cfg.Bootstrap.MaxAttempts,
		RetryDelay:     cfg.Bootstrap.RetryDelay,
		Reconnect: connection.ReconnectPolicy{
			Enabled:         cfg.Reconnect.Enabled,
			InitialInterval: cfg.Reconnect.InitialInterval,
			MaxInterval:     cfg.Reconnect.MaxInterval,
			MaxElapsedTime:  cfg.Reconnect.MaxElapsedTime,
		},
	}
}

// Session owns one connection to the backend and everything layered on it.
type Session struct {
	opts   Options
	logger *logging.Logger

	manager    *connection.Manager
	correlator *correlator.Correlator
	identity   *events.Identity
	dispatcher *events.Dispatcher
	reconciler *reconcile.Reconciler

	// explicit is set while Start or ChangeEndpoint drive a connect, so the
	// reconnect resync only runs for connections they did not open.
	explicit     atomic.Bool
	bootstrapped atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	endpoint      config.EndpointConfig
	reference     ReferenceData
	activeScan    string
	observer      Observer
	eventObserver events.Handler
}

// New wires a Session from explicit dependencies. Nothing is shared between
// sessions.
func New(opts Options) *Session {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = correlator.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:     opts,
		logger:   logging.FromSlog(opts.Logger),
		identity: events.NewIdentity(),
		endpoint: opts.Endpoint,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.manager = connection.NewManager(connection.Options{
		URL:            opts.Endpoint.URL(),
		Dialer:         opts.Dialer,
		ConnectTimeout: opts.ConnectTimeout,
		Reconnect:      opts.Reconnect,
		Logger:         opts.Logger.With("component", "connection"),
		Metrics:        opts.Metrics,
	})
	s.correlator = correlator.New(s.manager, opts.Logger.With("component", "correlator"), opts.Metrics)
	s.dispatcher = events.NewDispatcher(s.identity, opts.Logger.With("component", "events"), opts.Metrics)
	s.reconciler = reconcile.NewReconciler(opts.Logger.With("component", "reconcile"), opts.Metrics)
	r := router.New(s.correlator, s.dispatcher, opts.Logger.With("component", "router"), opts.Metrics)

	s.manager.SetFrameHandler(r.HandleFrame)
	s.manager.SetCloseHandler(s.onClose)
	s.manager.SetObserver(s.onState)
	s.dispatcher.Subscribe(s.onEvent)

	return s
}

// SetObserver replaces the progress observer.
func (s *Session) SetObserver(fn Observer) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// SetEventObserver replaces the hook called after each event is reconciled.
func (s *Session) SetEventObserver(fn events.Handler) {
	s.mu.Lock()
	s.eventObserver = fn
	s.mu.Unlock()
}

// Start connects with a bounded number of attempts and bootstraps reference
// data. Exhausting the attempts returns an UNREACHABLE error; a failed
// bootstrap returns a BOOTSTRAP_FAILURE error.
func (s *Session) Start(ctx context.Context) error {
	if s.opts.Supervisor != nil {
		if err := s.resolveEndpoint(ctx); err != nil {
			return err
		}
	}

	s.explicit.Store(true)
	err := s.connectWithRetry(ctx)
	s.explicit.Store(false)
	if err != nil {
		return err
	}
	return s.bootstrapAndReport(ctx)
}

func (s *Session) connectWithRetry(ctx context.Context) error {
	maxAttempts := s.opts.MaxAttempts
	attempt := 0

	operation := func() error {
		attempt++
		s.report(Progress{Phase: PhaseConnecting, Attempt: attempt, MaxAttempts: maxAttempts})

		err := s.manager.Connect(ctx)
		if err == nil {
			return nil
		}
		s.logger.Warn("Connect attempt failed", "attempt", attempt, "max_attempts", maxAttempts, "error", err)
		s.report(Progress{Phase: PhaseConnecting, Attempt: attempt, MaxAttempts: maxAttempts, Err: err})
		// A deliberate disconnect or a configuration problem will not
		// clear up by retrying.
		if ctx.Err() != nil || errors.IsFatal(err) || !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryDelay), uint64(maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.WrapConnectionError(errors.CodeCanceled, "Start canceled", s.manager.URL(), ctxErr)
		}
		if errors.IsCode(err, errors.CodeCanceled) {
			s.logger.Info("Start interrupted by disconnect", "url", s.manager.URL(), "attempts", attempt)
			return err
		}
		unreachable := errors.ErrUnreachable(s.manager.URL(), attempt, err)
		s.logger.Error("Backend unreachable", "url", s.manager.URL(), "attempts", attempt, "error", err)
		s.report(Progress{Phase: PhaseUnreachable, Attempt: attempt, MaxAttempts: maxAttempts, Err: unreachable})
		return unreachable
	}
	return nil
}

func (s *Session) resolveEndpoint(ctx context.Context) error {
	s.mu.Lock()
	endpoint := s.endpoint
	s.mu.Unlock()

	host, _, err := net.SplitHostPort(endpoint.Address)
	if err != nil {
		host = endpoint.Address
	}
	address, err := supervisor.ResolveAddress(ctx, s.opts.Supervisor, host)
	if err != nil {
		s.report(Progress{Phase: PhaseUnreachable, Err: err})
		return err
	}
	s.setEndpoint(endpoint.WithAddress(address))
	return nil
}

func (s *Session) setEndpoint(endpoint config.EndpointConfig) {
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
	s.manager.UpdateURL(endpoint.URL())
}

// ChangeEndpoint disconnects, retargets the connection at address and
// connects again. A connect failure is returned as a retryable
// CONNECT_FAILURE and leaves the session disconnected.
func (s *Session) ChangeEndpoint(ctx context.Context, address string) error {
	if err := config.ValidateAddress(address); err != nil {
		return err
	}

	s.mu.Lock()
	endpoint := s.endpoint.WithAddress(address)
	s.mu.Unlock()

	s.logger.Info("Changing endpoint", "address", address)
	s.manager.Disconnect()
	s.setEndpoint(endpoint)

	s.explicit.Store(true)
	s.report(Progress{Phase: PhaseConnecting, Attempt: 1, MaxAttempts: 1})
	err := s.manager.Connect(ctx)
	s.explicit.Store(false)
	if err != nil {
		s.report(Progress{Phase: PhaseDisconnected, Err: err})
		return err
	}

	if err := s.bootstrapAndReport(ctx); err != nil {
		return err
	}
	return s.resubscribe(ctx)
}

// Close disconnects and waits for background resyncs to finish.
func (s *Session) Close() {
	s.cancel()
	s.manager.Disconnect()
	s.wg.Wait()
}

// Identity returns the id used to scope subscriptions.
func (s *Session) Identity() string {
	return s.identity.ID()
}

// ConnectionState returns the state of the underlying connection.
func (s *Session) ConnectionState() connection.State {
	return s.manager.State()
}

// Generation returns the current connection generation.
func (s *Session) Generation() uint64 {
	return s.manager.Generation()
}

// URL returns the current backend URL.
func (s *Session) URL() string {
	return s.manager.URL()
}

// Snapshot returns the reconciled scan state.
func (s *Session) Snapshot() reconcile.State {
	return s.reconciler.Snapshot()
}

// Reconciler exposes the reconciler so readers can observe state changes.
func (s *Session) Reconciler() *reconcile.Reconciler {
	return s.reconciler
}

// Reference returns the most recently bootstrapped reference data.
func (s *Session) Reference() ReferenceData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reference
}

// ActiveScan returns the id of the subscribed scan, if any.
func (s *Session) ActiveScan() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeScan
}

// Send issues a raw request on the session's connection.
func (s *Session) Send(ctx context.Context, action string, params any) (*protocol.Response, error) {
	return s.correlator.Send(ctx, action, params, s.opts.RequestTimeout)
}

// sendAndApply issues a request whose response mutates reconciled state.
// apply runs on the read loop so it is ordered with scan events.
func (s *Session) sendAndApply(
	ctx context.Context, action string, params any, apply correlator.ResponseHook,
) (*protocol.Response, error) {
	return s.correlator.SendWithHook(ctx, action, params, s.opts.RequestTimeout, apply)
}

// onClose invalidates every pending request of the ended generation.
func (s *Session) onClose(generation uint64, err error) {
	closeErr := err
	if !errors.IsCode(err, errors.CodeConnectionClosed) {
		closeErr = errors.WrapConnectionError(errors.CodeConnectionClosed, "Connection closed", s.manager.URL(), err)
	}
	s.correlator.FailPending(closeErr)
	s.logger.Debug("Connection generation ended", "generation", generation)
}

func (s *Session) onState(state connection.State, err error) {
	switch state {
	case connection.StateConnected:
		if s.bootstrapped.Load() && !s.explicit.Load() && s.ctx.Err() == nil {
			s.wg.Add(1)
			go s.resync()
		}
	case connection.StateDisconnected:
		if err != nil && s.opts.Reconnect.Enabled && s.ctx.Err() == nil {
			s.report(Progress{Phase: PhaseReconnecting, Err: err})
			return
		}
		if !s.explicit.Load() {
			s.report(Progress{Phase: PhaseDisconnected, Err: err})
		}
	}
}

func (s *Session) onEvent(ev *protocol.Event) {
	s.reconciler.HandleEvent(ev)

	switch ev.Event {
	case protocol.EventConnectionEstablished:
		if s.identity.Assigned() {
			s.logger.WithSessionID(s.identity.ID()).Info("Backend assigned session identity")
		}
	case protocol.EventScanComplete, protocol.EventScanTerminated:
		s.mu.Lock()
		s.activeScan = ""
		s.mu.Unlock()
	}

	s.mu.Lock()
	fn := s.eventObserver
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// resync refreshes reference data after a reconnect and re-subscribes to the
// active scan, which makes the backend replay a full results snapshot.
func (s *Session) resync() {
	defer s.wg.Done()

	s.logger.Info("Reconnected, resynchronizing", "generation", s.manager.Generation())
	if err := s.bootstrapAndReport(s.ctx); err != nil {
		return
	}
	if err := s.resubscribe(s.ctx); err != nil {
		s.logger.Warn("Failed to resubscribe after reconnect", "error", err)
	}
}

func (s *Session) resubscribe(ctx context.Context) error {
	scanID := s.ActiveScan()
	if scanID == "" {
		return nil
	}
	return s.Subscribe(ctx, scanID)
}

func (s *Session) report(p Progress) {
	s.mu.Lock()
	fn := s.observer
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}
