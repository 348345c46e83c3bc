// Package router decodes inbound frames and hands each message kind to the
// component that owns it.
package router

import (
	"log/slog"

	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/metrics"
	"github.com/anstrom/scanlink/internal/protocol"
)

// Replies receives responses and errors for correlation.
type Replies interface {
	HandleResponse(resp *protocol.Response)
	HandleError(msg *protocol.ErrorMessage)
}

// Events receives push events.
type Events interface {
	Dispatch(ev *protocol.Event)
}

// Router is installed as the connection's frame handler.
type Router struct {
	replies Replies
	events  Events
	logger  *slog.Logger
	metrics *metrics.PrometheusMetrics
}

// New creates a Router. logger and m may be nil.
func New(replies Replies, events Events, logger *slog.Logger, m *metrics.PrometheusMetrics) *Router {
	if logger == nil {
		logger = logging.Component("router")
	}
	return &Router{replies: replies, events: events, logger: logger, metrics: m}
}

// HandleFrame routes one inbound frame. Malformed frames are logged and
// dropped; a panicking handler is recovered so the read loop survives.
func (r *Router) HandleFrame(frame []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.IncrementDroppedFrames("handler_panic")
			r.logger.Error("Recovered from panic while handling frame", "panic", rec)
		}
	}()

	msg, err := protocol.Decode(frame)
	if err != nil {
		r.metrics.IncrementDroppedFrames("protocol_error")
		r.logger.Warn("Dropping malformed frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Response:
		r.replies.HandleResponse(m)
	case *protocol.ErrorMessage:
		r.replies.HandleError(m)
	case *protocol.Event:
		r.events.Dispatch(m)
	case *protocol.Request:
		r.metrics.IncrementDroppedFrames("inbound_request")
		r.logger.Debug("Dropping request frame from server", "action", m.Action)
	}
}
