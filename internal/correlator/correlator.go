// Package correlator turns fire-and-forget frame sends into awaitable calls
// by matching inbound responses and errors to pending requests by id.
package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/scanlink/internal/connection"
	"github.com/anstrom/scanlink/internal/errors"
	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/metrics"
	"github.com/anstrom/scanlink/internal/protocol"
)

// DefaultTimeout applies when Send is called without a timeout.
const DefaultTimeout = 30 * time.Second

// Request outcomes recorded in metrics.
const (
	outcomeSuccess  = "success"
	outcomeError    = "error"
	outcomeTimeout  = "timeout"
	outcomeClosed   = "closed"
	outcomeCanceled = "canceled"
)

// Link is the connection a Correlator sends on.
type Link interface {
	State() connection.State
	Write(frame []byte) error
}

// ResponseHook runs when a successful response settles its request. It is
// called from the goroutine handling inbound frames, before the next frame
// is handled and before the caller of Send is released.
type ResponseHook func(resp *protocol.Response)

type result struct {
	resp *protocol.Response
	err  error
}

type pendingRequest struct {
	id        string
	action    string
	createdAt time.Time
	done      chan result
	timer     *time.Timer
	hook      ResponseHook
}

// Correlator tracks in-flight requests.
type Correlator struct {
	link    Link
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics

	counter atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// New creates a Correlator sending on link. logger and m may be nil.
func New(link Link, logger *slog.Logger, m *metrics.PrometheusMetrics) *Correlator {
	if logger == nil {
		logger = logging.Component("correlator")
	}
	return &Correlator{
		link:    link,
		logger:  logging.FromSlog(logger),
		metrics: m,
		pending: make(map[string]*pendingRequest),
	}
}

// Send transmits a request and waits for its response, error, or timeout.
// It fails immediately with NOT_CONNECTED when the link is not connected.
func (c *Correlator) Send(ctx context.Context, action string, params any, timeout time.Duration) (*protocol.Response, error) {
	return c.SendWithHook(ctx, action, params, timeout, nil)
}

// SendWithHook is Send with a hook that sees the response in arrival order
// relative to events. The hook does not run for rejected, timed out or
// canceled requests.
func (c *Correlator) SendWithHook(
	ctx context.Context, action string, params any, timeout time.Duration, hook ResponseHook,
) (*protocol.Response, error) {
	if c.link.State() != connection.StateConnected {
		return nil, errors.ErrNotConnected(action)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	id := c.nextID()
	req, err := protocol.NewRequest(action, params, id)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		id:        id,
		action:    action,
		createdAt: time.Now(),
		done:      make(chan result, 1),
		hook:      hook,
	}

	c.mu.Lock()
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(id, result{err: errors.ErrRequestTimeout(action, id)}, outcomeTimeout)
	})
	c.metrics.SetPendingRequests(len(c.pending))
	c.mu.Unlock()

	if err := c.link.Write(frame); err != nil {
		c.remove(id)
		if errors.IsCode(err, errors.CodeNotConnected) {
			return nil, errors.ErrNotConnected(action)
		}
		return nil, err
	}

	select {
	case res := <-p.done:
		return res.resp, res.err
	case <-ctx.Done():
		if c.settle(id, result{}, outcomeCanceled) {
			return nil, ctx.Err()
		}
		// Settled concurrently; the result is already buffered.
		res := <-p.done
		return res.resp, res.err
	}
}

// HandleResponse settles the pending request matching resp.ID. A response
// with success=false rejects with SERVER_ERROR.
func (c *Correlator) HandleResponse(resp *protocol.Response) {
	if resp.ID == "" {
		c.drop("missing_id", resp.Action, "")
		return
	}
	res := result{resp: resp}
	outcome := outcomeSuccess
	if !resp.Success {
		res = result{err: errors.NewRequestError(errors.CodeServerError, "Request failed", resp.Action, resp.ID)}
		outcome = outcomeError
	}
	if !c.settle(resp.ID, res, outcome) {
		c.drop("unknown_id", resp.Action, resp.ID)
	}
}

// HandleError settles the pending request matching msg.ID with a SERVER_ERROR.
func (c *Correlator) HandleError(msg *protocol.ErrorMessage) {
	if msg.ID == "" {
		c.drop("missing_id", msg.Action, "")
		c.logger.Warn("Server error without request id", "action", msg.Action, "error", msg.Error)
		return
	}
	reqErr := errors.NewRequestError(errors.CodeServerError, msg.Error, msg.Action, msg.ID).WithDetail(msg.Detail)
	if !c.settle(msg.ID, result{err: reqErr}, outcomeError) {
		c.drop("unknown_id", msg.Action, msg.ID)
	}
}

// FailPending rejects every in-flight request with err and leaves none pending.
func (c *Correlator) FailPending(err error) {
	c.mu.Lock()
	failed := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.metrics.SetPendingRequests(0)
	c.mu.Unlock()

	for _, p := range failed {
		p.timer.Stop()
		p.done <- result{err: err}
		c.metrics.RecordRequest(p.action, outcomeClosed, time.Since(p.createdAt))
	}
	if len(failed) > 0 {
		c.logger.Info("Failed pending requests", "count", len(failed), "error", err)
	}
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// settle removes id and delivers res. It reports false when id was not
// pending, so every request resolves at most once.
func (c *Correlator) settle(id string, res result, outcome string) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	c.metrics.SetPendingRequests(len(c.pending))
	c.mu.Unlock()

	p.timer.Stop()
	if res.resp != nil && p.hook != nil {
		c.runHook(p, res.resp)
	}
	p.done <- res
	c.metrics.RecordRequest(p.action, outcome, time.Since(p.createdAt))
	if outcome == outcomeTimeout {
		c.logger.WithAction(p.action).Warn("Request timed out", "id", id)
	}
	return true
}

func (c *Correlator) runHook(p *pendingRequest, resp *protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("Recovered from panic in response hook", "action", p.action, "id", p.id, "panic", rec)
		}
	}()
	p.hook(resp)
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		delete(c.pending, id)
	}
	c.metrics.SetPendingRequests(len(c.pending))
	c.mu.Unlock()
}

func (c *Correlator) drop(reason, action, id string) {
	c.metrics.IncrementDroppedFrames(reason)
	c.logger.Debug("Dropping uncorrelated frame", "reason", reason, "action", action, "id", id)
}

func (c *Correlator) nextID() string {
	return fmt.Sprintf("%d-%d", c.counter.Add(1), time.Now().UnixNano())
}
