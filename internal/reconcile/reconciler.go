package reconcile

import (
	"log/slog"
	"sync"

	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/metrics"
	"github.com/anstrom/scanlink/internal/protocol"
)

// Observer receives every new state after an event or Clear.
type Observer func(State)

// Reconciler holds the current State. HandleEvent and Clear are the only
// writers and must be called from the goroutine handling inbound frames so
// state changes follow arrival order. Readers may call Snapshot and Device
// concurrently.
type Reconciler struct {
	logger  *slog.Logger
	metrics *metrics.PrometheusMetrics

	mu       sync.RWMutex
	state    State
	observer Observer
}

// NewReconciler creates an empty Reconciler. logger and m may be nil.
func NewReconciler(logger *slog.Logger, m *metrics.PrometheusMetrics) *Reconciler {
	if logger == nil {
		logger = logging.Component("reconcile")
	}
	return &Reconciler{logger: logger, metrics: m}
}

// SetObserver replaces the state observer.
func (r *Reconciler) SetObserver(fn Observer) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// HandleEvent applies ev and publishes the result.
func (r *Reconciler) HandleEvent(ev *protocol.Event) {
	if _, ok := protocol.ScanEventSuffix(ev.Event); !ok {
		return
	}

	r.mu.Lock()
	next := Apply(r.state, ev)
	r.state = next
	observer := r.observer
	r.mu.Unlock()

	r.logger.Debug("Applied scan event",
		"event", ev.Event,
		"scan_id", next.ScanID,
		"devices", len(next.Devices),
		"progress", next.Status.Progress)
	r.publish(next, observer)
}

// Snapshot returns the current state.
func (r *Reconciler) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Device returns the current record for ip.
func (r *Reconciler) Device(ip string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Device(ip)
}

// Clear drops all devices, status, errors and warnings. Used when a new
// scan starts.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	r.state = State{}
	observer := r.observer
	r.mu.Unlock()

	r.publish(State{}, observer)
}

func (r *Reconciler) publish(s State, observer Observer) {
	r.metrics.SetScanState(len(s.Devices), s.Status.Progress)
	if observer != nil {
		observer(s)
	}
}
