package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/scanlink/internal/protocol"
)

// Simulated scan stages, in order.
const (
	stageDiscovery  = "discovery"
	stagePorts      = "ports"
	stageServices   = "services"
	stageComplete   = "complete"
	stageTerminated = "terminated"
)

type requestParams struct {
	Subnet   string `json:"subnet"`
	PortList string `json:"port_list"`
	ScanID   string `json:"scan_id"`
	ClientID string `json:"client_id"`
}

type deviceRecord struct {
	IP           string              `json:"ip"`
	Alive        bool                `json:"alive"`
	Hostname     string              `json:"hostname,omitempty"`
	MACAddr      string              `json:"mac_addr,omitempty"`
	Manufacturer string              `json:"manufacturer,omitempty"`
	Ports        []int               `json:"ports,omitempty"`
	Services     map[string][]string `json:"services,omitempty"`
	Stage        string              `json:"stage"`
}

type metadata struct {
	Running         bool     `json:"running"`
	Stage           string   `json:"stage"`
	PercentComplete float64  `json:"percent_complete"`
	DevicesScanned  int      `json:"devices_scanned"`
	DevicesTotal    int      `json:"devices_total"`
	DevicesAlive    int      `json:"devices_alive"`
	RunTime         float64  `json:"run_time"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

type scanPayload struct {
	ScanID   string         `json:"scan_id"`
	Devices  []deviceRecord `json:"devices,omitempty"`
	Metadata metadata       `json:"metadata"`
}

// scan is one simulated scan.
type scan struct {
	id      string
	server  *Server
	targets []netip.Addr

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	devices   []deviceRecord
	meta      metadata
	startedAt time.Time
}

func (s *Server) handleFrame(c *client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("Ignoring malformed frame", "client_id", c.id, "error", err)
		return
	}
	req, ok := msg.(*protocol.Request)
	if !ok {
		s.logger.Debug("Ignoring non-request frame", "client_id", c.id, "kind", msg.Kind())
		return
	}

	s.mu.Lock()
	s.requests[req.Action]++
	failure := s.failures[req.Action]
	silent := s.silenced[req.Action]
	follow, hasFollow := s.followups[req.Action]
	s.mu.Unlock()

	if silent {
		return
	}
	if failure != "" {
		c.enqueue(protocol.NewErrorMessage(req, failure, "injected failure"))
		return
	}

	var params requestParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.enqueue(protocol.NewErrorMessage(req, "invalid params", err.Error()))
			return
		}
	}

	// A re-subscribe to a scan that already produced data is answered with a
	// full snapshot after the acknowledgement.
	var replay *scan
	if req.Action == protocol.ActionScanSubscribe {
		if sc := s.lookupScan(params.ScanID); sc != nil && sc.hasStarted() {
			replay = sc
		}
	}

	result, err := s.dispatch(c, req.Action, params)
	if err != nil {
		c.enqueue(protocol.NewErrorMessage(req, err.Error(), ""))
		return
	}
	resp, err := protocol.NewResponse(req, result)
	if err != nil {
		c.enqueue(protocol.NewErrorMessage(req, "encode failure", err.Error()))
		return
	}
	c.enqueue(resp)

	if replay != nil {
		c.sendEvent(protocol.EventScanResults, replay.snapshot())
	}
	if hasFollow {
		c.sendEvent(follow.event, follow.data)
	}
}

func (s *Server) dispatch(c *client, action string, params requestParams) (any, error) {
	switch action {
	case protocol.ActionSubnetList:
		return []map[string]string{
			{"cidr": "192.168.1.0/24", "interface": "eth0", "address": "192.168.1.10"},
			{"cidr": "10.10.0.0/28", "interface": "wg0", "address": "10.10.0.2"},
		}, nil

	case protocol.ActionConfigDefaults:
		s.mu.Lock()
		s.revision++
		rev := s.revision
		s.mu.Unlock()
		return map[string]any{
			"port_list":   "top-100",
			"timeout":     5,
			"concurrency": 64,
			"revision":    rev,
		}, nil

	case protocol.ActionAppInfo:
		return map[string]string{"name": "scanlink-mock", "version": Version}, nil

	case protocol.ActionPortListSummary:
		return []map[string]any{
			{"name": "top-100", "count": 100},
			{"name": "top-1000", "count": 1000},
			{"name": "all", "count": 65535},
		}, nil

	case protocol.ActionScanStart:
		sc, err := s.newScan(params.Subnet)
		if err != nil {
			return nil, err
		}
		return map[string]string{"scan_id": sc.id}, nil

	case protocol.ActionScanSubscribe:
		sc := s.lookupScan(params.ScanID)
		if sc == nil {
			return nil, fmt.Errorf("unknown scan %q", params.ScanID)
		}
		c.subscribe(sc.id)
		sc.start()
		return map[string]string{"scan_id": sc.id}, nil

	case protocol.ActionScanUnsubscribe:
		c.unsubscribe(params.ScanID)
		return map[string]string{"scan_id": params.ScanID}, nil

	case protocol.ActionScanTerminate:
		sc := s.lookupScan(params.ScanID)
		if sc == nil {
			return nil, fmt.Errorf("unknown scan %q", params.ScanID)
		}
		sc.stop()
		return map[string]string{"scan_id": sc.id}, nil

	case protocol.ActionScanResults:
		sc := s.lookupScan(params.ScanID)
		if sc == nil {
			return nil, fmt.Errorf("unknown scan %q", params.ScanID)
		}
		return sc.snapshot(), nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

func (s *Server) lookupScan(id string) *scan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans[id]
}

func (s *Server) newScan(subnet string) (*scan, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q", subnet)
	}

	var targets []netip.Addr
	for addr := prefix.Masked().Addr().Next(); prefix.Contains(addr) && len(targets) < s.devices; addr = addr.Next() {
		targets = append(targets, addr)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("subnet %q has no hosts", subnet)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := &scan{
		id:      uuid.NewString(),
		server:  s,
		targets: targets,
		ctx:     ctx,
		cancel:  cancel,
		meta:    metadata{Stage: stageDiscovery, DevicesTotal: len(targets)},
	}

	s.mu.Lock()
	s.scans[sc.id] = sc
	s.mu.Unlock()
	s.logger.Info("Simulated scan created", "scan_id", sc.id, "subnet", subnet, "targets", len(targets))
	return sc, nil
}

// start runs the simulation once, on the first subscription.
func (sc *scan) start() {
	sc.startOnce.Do(func() {
		sc.mu.Lock()
		sc.startedAt = time.Now()
		sc.meta.Running = true
		sc.mu.Unlock()
		go sc.run()
	})
}

func (sc *scan) stop() {
	sc.stopOnce.Do(sc.cancel)
}

func (sc *scan) hasStarted() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return !sc.startedAt.IsZero()
}

func (sc *scan) run() {
	srv := sc.server
	srv.broadcast(sc.id, protocol.EventScanStarted, sc.snapshotMeta())

	ticker := time.NewTicker(srv.tick)
	defer ticker.Stop()

	for i, addr := range sc.targets {
		select {
		case <-sc.ctx.Done():
			sc.finish(stageTerminated, protocol.EventScanTerminated)
			return
		case <-ticker.C:
		}

		dev := simulateDevice(addr, i)
		sc.mu.Lock()
		sc.devices = append(sc.devices, dev)
		sc.meta.DevicesScanned = i + 1
		if dev.Alive {
			sc.meta.DevicesAlive++
		}
		sc.meta.PercentComplete = float64(i+1) * 100 / float64(len(sc.targets))
		sc.meta.Stage = dev.Stage
		sc.meta.RunTime = time.Since(sc.startedAt).Seconds()
		if !dev.Alive && i%4 == 1 {
			sc.meta.Warnings = append(sc.meta.Warnings, fmt.Sprintf("%s did not answer ARP", dev.IP))
		}
		payload := scanPayload{ScanID: sc.id, Devices: []deviceRecord{dev}, Metadata: sc.meta}
		sc.mu.Unlock()

		srv.broadcast(sc.id, protocol.EventScanUpdate, payload)
	}

	sc.finish(stageComplete, protocol.EventScanComplete)
}

func (sc *scan) finish(stage, event string) {
	sc.mu.Lock()
	sc.meta.Running = false
	sc.meta.Stage = stage
	sc.meta.RunTime = time.Since(sc.startedAt).Seconds()
	if stage == stageComplete {
		sc.meta.PercentComplete = 100
	}
	for i := range sc.devices {
		sc.devices[i].Stage = stage
	}
	payload := scanPayload{ScanID: sc.id, Metadata: sc.meta}
	sc.mu.Unlock()

	sc.server.broadcast(sc.id, event, payload)
	sc.server.logger.Info("Simulated scan finished", "scan_id", sc.id, "stage", stage)
}

func (sc *scan) snapshotMeta() scanPayload {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return scanPayload{ScanID: sc.id, Metadata: sc.meta}
}

func (sc *scan) snapshot() scanPayload {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return scanPayload{
		ScanID:   sc.id,
		Devices:  append([]deviceRecord(nil), sc.devices...),
		Metadata: sc.meta,
	}
}

// simulateDevice fabricates a deterministic host for addr.
func simulateDevice(addr netip.Addr, i int) deviceRecord {
	dev := deviceRecord{IP: addr.String(), Alive: i%3 != 1, Stage: stageDiscovery}
	if !dev.Alive {
		return dev
	}

	b := addr.As16()
	dev.MACAddr = fmt.Sprintf("02:00:5e:%02x:%02x:%02x", b[13], b[14], b[15])
	dev.Hostname = fmt.Sprintf("host-%d", i+1)
	dev.Manufacturer = "Simulated Devices Inc."
	dev.Stage = stagePorts

	switch i % 3 {
	case 0:
		dev.Ports = []int{22, 80}
		dev.Services = map[string][]string{"22": {"ssh"}, "80": {"http"}}
		dev.Stage = stageServices
	case 2:
		dev.Ports = []int{443}
		dev.Services = map[string][]string{"443": {"https"}}
	}
	return dev
}
