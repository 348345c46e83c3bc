package session

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/scanlink/internal/errors"
	"github.com/anstrom/scanlink/internal/protocol"
)

var validate = validator.New()

// ScanRequest describes a scan to start.
type ScanRequest struct {
	Subnet   string         `json:"subnet" validate:"required,cidr"`
	PortList string         `json:"port_list,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type startParams struct {
	ScanRequest
	ClientID string `json:"client_id"`
}

type subscriptionParams struct {
	ScanID   string `json:"scan_id"`
	ClientID string `json:"client_id,omitempty"`
}

type startResult struct {
	ScanID string `json:"scan_id"`
}

// StartScan starts a scan, clears the reconciled state once the backend
// accepts it and subscribes to its events. It returns the backend's scan id.
func (s *Session) StartScan(ctx context.Context, req ScanRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", errors.NewConfigFieldError(errors.CodeValidation, "invalid scan request", "subnet", req.Subnet)
	}

	// Events for the new scan only follow its subscription, so clearing when
	// the start is acknowledged cannot drop any of them.
	reset := func(*protocol.Response) { s.reconciler.Clear() }
	resp, err := s.sendAndApply(ctx, protocol.ActionScanStart,
		startParams{ScanRequest: req, ClientID: s.Identity()}, reset)
	if err != nil {
		return "", err
	}
	var result startResult
	if err := resp.Decode(&result); err != nil || result.ScanID == "" {
		return "", errors.NewRequestError(errors.CodeServerError, "scan.start returned no scan id",
			protocol.ActionScanStart, resp.ID)
	}

	s.logger.InfoScan("Scan started", result.ScanID, "subnet", req.Subnet)
	if err := s.Subscribe(ctx, result.ScanID); err != nil {
		return result.ScanID, err
	}
	return result.ScanID, nil
}

// Subscribe asks the backend to push events for scanID to this session.
func (s *Session) Subscribe(ctx context.Context, scanID string) error {
	params := subscriptionParams{ScanID: scanID, ClientID: s.Identity()}
	if _, err := s.Send(ctx, protocol.ActionScanSubscribe, params); err != nil {
		return err
	}
	s.mu.Lock()
	s.activeScan = scanID
	s.mu.Unlock()
	return nil
}

// Unsubscribe stops event delivery for scanID. Reconciled state is kept.
func (s *Session) Unsubscribe(ctx context.Context, scanID string) error {
	params := subscriptionParams{ScanID: scanID, ClientID: s.Identity()}
	if _, err := s.Send(ctx, protocol.ActionScanUnsubscribe, params); err != nil {
		return err
	}
	s.mu.Lock()
	if s.activeScan == scanID {
		s.activeScan = ""
	}
	s.mu.Unlock()
	return nil
}

// Terminate stops the active scan. The backend confirms with a
// scan.terminated event.
func (s *Session) Terminate(ctx context.Context) error {
	scanID := s.ActiveScan()
	if scanID == "" {
		return errors.NewRequestError(errors.CodeValidation, "no active scan", protocol.ActionScanTerminate, "")
	}
	_, err := s.Send(ctx, protocol.ActionScanTerminate, subscriptionParams{ScanID: scanID, ClientID: s.Identity()})
	return err
}

// FetchResults requests a full snapshot of scanID and folds it into the
// reconciled state as a results event, in order with the events received
// around it.
func (s *Session) FetchResults(ctx context.Context, scanID string) error {
	apply := func(resp *protocol.Response) {
		s.reconciler.HandleEvent(&protocol.Event{Type: protocol.TypeEvent, Event: protocol.EventScanResults, Data: resp.Data})
	}
	if _, err := s.sendAndApply(ctx, protocol.ActionScanResults, subscriptionParams{ScanID: scanID}, apply); err != nil {
		s.logger.ErrorScan("Failed to fetch results", scanID, err)
		return err
	}
	return nil
}
