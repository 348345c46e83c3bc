package reconcile

import (
	"slices"

	"github.com/anstrom/scanlink/internal/protocol"
)

// Scan event suffixes handled by Apply.
const (
	SuffixStarted    = "started"
	SuffixStopped    = "stopped"
	SuffixUpdate     = "update"
	SuffixDelta      = "delta"
	SuffixComplete   = "complete"
	SuffixTerminated = "terminated"
	SuffixResults    = "results"
)

// StageStopped is the stage reported after a scan.stopped event.
const StageStopped = "stopped"

// Apply folds ev into prior and returns the new state. It never mutates
// prior and never fails: events outside the scan namespace, unknown scan
// events and unreadable payloads leave the state unchanged.
func Apply(prior State, ev *protocol.Event) State {
	if ev == nil {
		return prior
	}
	suffix, ok := protocol.ScanEventSuffix(ev.Event)
	if !ok {
		return prior
	}

	p := decodePayload(ev.Data)
	next := prior.clone()
	if p.scanID != "" {
		next.ScanID = p.scanID
	}

	switch suffix {
	case SuffixStarted:
		next.Errors = nil
		next.Warnings = nil
		if p.hasDevices {
			next.Devices = upsert(nil, p.devices)
		}
		next.Status.Running = true
		next.Status.fromPercent = false
		if p.metadata != nil {
			next.Status = deriveStatus(next.Status, p.metadata)
		}

	case SuffixStopped:
		next.Status.Running = false
		next.Status.Stage = StageStopped

	case SuffixUpdate, SuffixDelta:
		next.Devices = upsert(next.Devices, p.devices)
		if p.metadata != nil {
			next.Status = deriveStatus(next.Status, p.metadata)
			next.appendIssues(p.metadata)
		}

	case SuffixComplete, SuffixTerminated:
		next.Devices = upsert(next.Devices, p.devices)
		finalStage := suffix
		if p.metadata != nil {
			if p.metadata.Stage != nil {
				finalStage = *p.metadata.Stage
			}
			next.Status = deriveStatus(next.Status, p.metadata)
			next.appendIssues(p.metadata)
		}
		for i := range next.Devices {
			next.Devices[i].Stage = finalStage
		}
		next.Status.Running = false
		next.Status.Stage = finalStage
		if suffix == SuffixComplete {
			next.Status.Progress = 1
			next.Status.Remaining = 0
		}

	case SuffixResults:
		if p.hasDevices {
			next.Devices = upsert(nil, p.devices)
		}
		if p.metadata != nil {
			next.Status = deriveStatus(Status{}, p.metadata)
			next.Errors = nil
			next.Warnings = nil
			next.appendIssues(p.metadata)
		}

	default:
		return prior
	}
	return next
}

// deriveStatus recomputes the status from md, keeping prev for every field
// md does not carry.
func deriveStatus(prev Status, md *Metadata) Status {
	s := prev
	if md.Running != nil {
		s.Running = *md.Running
	}
	if md.Stage != nil {
		s.Stage = *md.Stage
	}
	if md.DevicesScanned != nil {
		s.Scanned = *md.DevicesScanned
	}
	if md.DevicesTotal != nil {
		s.Total = *md.DevicesTotal
	}
	if md.DevicesAlive != nil {
		s.Alive = *md.DevicesAlive
	}
	if md.RunTime != nil {
		s.Runtime = max(*md.RunTime, 0)
	}

	hasCounts := md.DevicesScanned != nil || md.DevicesTotal != nil
	switch {
	case md.PercentComplete != nil:
		percent := *md.PercentComplete
		s.Progress = clamp(percent/100, 0, 1)
		s.Remaining = remaining(s.Runtime, percent)
		s.fromPercent = true
	case !s.fromPercent && hasCounts && s.Total > 0:
		// The backend has not reported a percentage for this scan yet.
		s.Progress = clamp(float64(s.Scanned)/float64(s.Total), 0, 1)
	}
	return s
}

// remaining linearly extrapolates the time left from the elapsed runtime.
func remaining(runtime, percent float64) float64 {
	if percent <= 0 || percent >= 100 {
		return 0
	}
	return max(runtime*(100-percent)/percent, 0)
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

// upsert replaces devices by IP in place and appends unseen ones in order.
func upsert(devices, incoming []Device) []Device {
	if len(incoming) == 0 {
		return devices
	}
	index := make(map[string]int, len(devices)+len(incoming))
	for i, d := range devices {
		index[d.IP] = i
	}
	for _, d := range incoming {
		if i, ok := index[d.IP]; ok {
			devices[i] = d
			continue
		}
		index[d.IP] = len(devices)
		devices = append(devices, d)
	}
	return devices
}

// appendIssues adds errors and warnings not already recorded.
func (s *State) appendIssues(md *Metadata) {
	for _, e := range md.Errors {
		if !slices.Contains(s.Errors, e) {
			s.Errors = append(s.Errors, e)
		}
	}
	for _, w := range md.Warnings {
		if !slices.Contains(s.Warnings, w) {
			s.Warnings = append(s.Warnings, w)
		}
	}
}

// clone copies the slices Apply may write to. Device records are replaced
// whole, so their inner maps and slices can be shared.
func (s State) clone() State {
	c := s
	c.Devices = append([]Device(nil), s.Devices...)
	c.Errors = append([]ErrorInfo(nil), s.Errors...)
	c.Warnings = append([]WarningInfo(nil), s.Warnings...)
	return c
}
