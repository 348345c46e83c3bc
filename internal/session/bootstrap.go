package session

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/scanlink/internal/errors"
	"github.com/anstrom/scanlink/internal/protocol"
)

// ReferenceData is the result of the bootstrap batch. Payload shapes are
// owned by the backend, so they are kept raw and decoded on demand.
type ReferenceData struct {
	Subnets   json.RawMessage `json:"subnets,omitempty"`
	Defaults  json.RawMessage `json:"defaults,omitempty"`
	AppInfo   json.RawMessage `json:"app_info,omitempty"`
	PortLists json.RawMessage `json:"port_lists,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Subnet is a scannable network reported by the backend.
type Subnet struct {
	CIDR      string `json:"cidr"`
	Interface string `json:"interface,omitempty"`
	Address   string `json:"address,omitempty"`
}

// AppInfo describes the backend build.
type AppInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PortList is a named set of ports offered by the backend.
type PortList struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// SubnetList decodes Subnets.
func (r ReferenceData) SubnetList() ([]Subnet, error) {
	var out []Subnet
	return out, decodeRaw(r.Subnets, &out)
}

// App decodes AppInfo.
func (r ReferenceData) App() (AppInfo, error) {
	var out AppInfo
	return out, decodeRaw(r.AppInfo, &out)
}

// PortListSummary decodes PortLists.
func (r ReferenceData) PortListSummary() ([]PortList, error) {
	var out []PortList
	return out, decodeRaw(r.PortLists, &out)
}

// DefaultsMap decodes Defaults as a generic object.
func (r ReferenceData) DefaultsMap() (map[string]any, error) {
	var out map[string]any
	return out, decodeRaw(r.Defaults, &out)
}

func decodeRaw(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Bootstrap fetches the reference data batch concurrently. Any failure is
// returned as a BOOTSTRAP_FAILURE naming the action that failed.
func (s *Session) Bootstrap(ctx context.Context) (ReferenceData, error) {
	var ref ReferenceData
	targets := []struct {
		action string
		dst    *json.RawMessage
	}{
		{protocol.ActionSubnetList, &ref.Subnets},
		{protocol.ActionConfigDefaults, &ref.Defaults},
		{protocol.ActionAppInfo, &ref.AppInfo},
		{protocol.ActionPortListSummary, &ref.PortLists},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			resp, err := s.correlator.Send(gctx, target.action, nil, s.opts.RequestTimeout)
			if err != nil {
				return errors.WrapBootstrapError(target.action, err)
			}
			*target.dst = resp.Data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReferenceData{}, err
	}

	ref.FetchedAt = time.Now()
	s.mu.Lock()
	s.reference = ref
	s.mu.Unlock()
	s.bootstrapped.Store(true)
	return ref, nil
}

func (s *Session) bootstrapAndReport(ctx context.Context) error {
	s.report(Progress{Phase: PhaseBootstrapping})
	if _, err := s.Bootstrap(ctx); err != nil {
		s.logger.Error("Bootstrap failed", "error", err)
		s.report(Progress{Phase: PhaseBootstrapFailed, Err: err})
		return err
	}
	s.logger.Info("Session ready", "url", s.manager.URL(), "generation", s.manager.Generation())
	s.report(Progress{Phase: PhaseReady})
	return nil
}
