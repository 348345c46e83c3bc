package protocol

import "strings"

// Actions understood by the scanning backend.
const (
	ActionSubnetList      = "subnet.list"
	ActionConfigDefaults  = "config.defaults"
	ActionAppInfo         = "app.info"
	ActionPortListSummary = "port_list.summary"
	ActionScanStart       = "scan.start"
	ActionScanSubscribe   = "scan.subscribe"
	ActionScanUnsubscribe = "scan.unsubscribe"
	ActionScanTerminate   = "scan.terminate"
	ActionScanResults     = "scan.results"
)

// Event names pushed by the scanning backend.
const (
	EventConnectionEstablished = "connection.established"

	EventScanStarted    = "scan.started"
	EventScanStopped    = "scan.stopped"
	EventScanUpdate     = "scan.update"
	EventScanDelta      = "scan.delta"
	EventScanComplete   = "scan.complete"
	EventScanTerminated = "scan.terminated"
	EventScanResults    = "scan.results"
)

// ScanNamespace prefixes every scan lifecycle event.
const ScanNamespace = "scan."

// ScanEventSuffix returns the part of a scan event name after "scan." and
// whether the event belongs to the scan namespace at all.
func ScanEventSuffix(name string) (string, bool) {
	if !strings.HasPrefix(name, ScanNamespace) {
		return "", false
	}
	return strings.TrimPrefix(name, ScanNamespace), true
}
