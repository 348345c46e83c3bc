// Package events delivers server-initiated push events to a single
// subscriber and tracks the session identity the server assigns.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/metrics"
	"github.com/anstrom/scanlink/internal/protocol"
)

// Identity is the client identifier used to scope subscriptions. It starts
// as a locally generated id and may be replaced by the server.
type Identity struct {
	mu     sync.RWMutex
	id     string
	server bool
}

// NewIdentity creates an identity seeded with a random uuid.
func NewIdentity() *Identity {
	return &Identity{id: uuid.NewString()}
}

// ID returns the current identifier.
func (i *Identity) ID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.id
}

// Assigned reports whether the server has supplied the identifier.
func (i *Identity) Assigned() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.server
}

// Set replaces the identifier with a server-assigned one.
func (i *Identity) Set(id string) {
	i.mu.Lock()
	i.id = id
	i.server = true
	i.mu.Unlock()
}

// Handler receives events in arrival order.
type Handler func(ev *protocol.Event)

type establishedData struct {
	ClientID string `json:"client_id"`
}

// Dispatcher forwards events to at most one subscriber.
type Dispatcher struct {
	identity *Identity
	logger   *slog.Logger
	metrics  *metrics.PrometheusMetrics

	mu      sync.Mutex
	handler Handler
}

// NewDispatcher creates a dispatcher that updates identity on
// connection.established. logger and m may be nil.
func NewDispatcher(identity *Identity, logger *slog.Logger, m *metrics.PrometheusMetrics) *Dispatcher {
	if logger == nil {
		logger = logging.Component("events")
	}
	return &Dispatcher{identity: identity, logger: logger, metrics: m}
}

// Subscribe installs h, replacing any previous subscriber.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Unsubscribe detaches the subscriber. Later events are dropped.
func (d *Dispatcher) Unsubscribe() {
	d.mu.Lock()
	d.handler = nil
	d.mu.Unlock()
}

// Dispatch delivers ev synchronously.
func (d *Dispatcher) Dispatch(ev *protocol.Event) {
	d.metrics.IncrementEvents(ev.Event)

	if ev.Event == protocol.EventConnectionEstablished {
		d.adoptIdentity(ev.Data)
	}

	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()

	if h == nil {
		d.metrics.IncrementDroppedFrames("no_subscriber")
		d.logger.Debug("Dropping event without subscriber", "event", ev.Event)
		return
	}
	h(ev)
}

func (d *Dispatcher) adoptIdentity(raw json.RawMessage) {
	if d.identity == nil || len(raw) == 0 {
		return
	}
	var data establishedData
	if err := json.Unmarshal(raw, &data); err != nil || data.ClientID == "" {
		d.logger.Debug("connection.established without client id")
		return
	}
	d.identity.Set(data.ClientID)
	d.logger.Info("Server assigned session identity", "client_id", data.ClientID)
}
