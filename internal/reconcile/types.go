// Package reconcile folds scan events into the session state consumed by
// readers: the device collection, the derived scan status and the errors and
// warnings raised during the current scan.
//
// Apply is a pure reducer. Reconciler is the thin adapter that holds the
// latest State, feeds events to Apply and publishes the result.
package reconcile

import "time"

// Device is one host found by the scan, keyed by IP.
type Device struct {
	IP           string              `json:"ip"`
	Alive        bool                `json:"alive"`
	Hostname     string              `json:"hostname,omitempty"`
	MACAddr      string              `json:"mac_addr,omitempty"`
	Manufacturer string              `json:"manufacturer,omitempty"`
	Ports        []int               `json:"ports,omitempty"`
	Services     map[string][]string `json:"services,omitempty"`
	Stage        string              `json:"stage,omitempty"`
	Errors       []string            `json:"errors,omitempty"`
}

// Status is derived from the latest metadata snapshot and the previous
// status. Runtime and Remaining are in seconds.
type Status struct {
	Running   bool    `json:"running"`
	Stage     string  `json:"stage"`
	Progress  float64 `json:"progress"`
	Scanned   int     `json:"scanned"`
	Total     int     `json:"total"`
	Alive     int     `json:"alive"`
	Runtime   float64 `json:"runtime"`
	Remaining float64 `json:"remaining"`

	// fromPercent is set once the backend reported percent_complete for the
	// current scan. Until then Progress follows the device counts.
	fromPercent bool
}

// RemainingDuration returns Remaining as a time.Duration.
func (s Status) RemainingDuration() time.Duration {
	return time.Duration(s.Remaining * float64(time.Second))
}

// RuntimeDuration returns Runtime as a time.Duration.
func (s Status) RuntimeDuration() time.Duration {
	return time.Duration(s.Runtime * float64(time.Second))
}

// ErrorInfo is an error reported by the scan.
type ErrorInfo struct {
	Message string `json:"message"`
	Device  string `json:"device,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// WarningInfo is a warning reported by the scan.
type WarningInfo struct {
	Message string `json:"message"`
	Device  string `json:"device,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// State is the reconciled session state. Values returned by this package
// are never mutated afterwards, so readers may hold on to them.
type State struct {
	ScanID   string        `json:"scan_id,omitempty"`
	Devices  []Device      `json:"devices"`
	Status   Status        `json:"status"`
	Errors   []ErrorInfo   `json:"errors,omitempty"`
	Warnings []WarningInfo `json:"warnings,omitempty"`
}

// Device returns the device with ip.
func (s State) Device(ip string) (Device, bool) {
	for _, d := range s.Devices {
		if d.IP == ip {
			return d, true
		}
	}
	return Device{}, false
}

// Metadata is a normalized scan metadata block. Nil fields were absent or
// could not be decoded.
type Metadata struct {
	Running         *bool
	Stage           *string
	PercentComplete *float64
	DevicesScanned  *int
	DevicesTotal    *int
	DevicesAlive    *int
	RunTime         *float64
	Errors          []ErrorInfo
	Warnings        []WarningInfo
}
