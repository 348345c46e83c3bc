package reconcile

import (
	"encoding/json"
	"math"
)

// Metadata keys. A payload carrying one of flatMetadataKeys at the top level
// is itself treated as a metadata block.
const (
	keyRunning         = "running"
	keyStage           = "stage"
	keyPercentComplete = "percent_complete"
	keyDevicesScanned  = "devices_scanned"
	keyDevicesTotal    = "devices_total"
	keyDevicesAlive    = "devices_alive"
	keyRunTime         = "run_time"
	keyErrors          = "errors"
	keyWarnings        = "warnings"

	keyMetadata = "metadata"
	keyDevices  = "devices"
	keyScanID   = "scan_id"
)

var flatMetadataKeys = []string{
	keyRunning, keyPercentComplete, keyDevicesScanned, keyDevicesTotal, keyRunTime,
	keyErrors, keyWarnings,
}

// object is a JSON object decoded one level deep.
type object map[string]json.RawMessage

// payload is the normalized data block of a scan event.
type payload struct {
	scanID     string
	devices    []Device
	hasDevices bool
	metadata   *Metadata
}

func decodeObject(raw json.RawMessage) object {
	if len(raw) == 0 {
		return nil
	}
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

// field decodes obj[key] into T. A missing or mismatched field is reported
// as absent.
func field[T any](obj object, key string) (T, bool) {
	var v T
	raw, ok := obj[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

func number(obj object, key string) (*float64, bool) {
	v, ok := field[float64](obj, key)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, false
	}
	return &v, true
}

func integer(obj object, key string) *int {
	f, ok := number(obj, key)
	if !ok {
		return nil
	}
	n := int(*f)
	return &n
}

// decodePayload normalizes an event's data block. It never fails; anything
// it cannot read is treated as absent.
func decodePayload(raw json.RawMessage) payload {
	var p payload
	data := decodeObject(raw)
	if data == nil {
		return p
	}

	if id, ok := field[string](data, keyScanID); ok {
		p.scanID = id
	}

	if items, ok := field[[]json.RawMessage](data, keyDevices); ok {
		p.hasDevices = true
		p.devices = make([]Device, 0, len(items))
		for _, item := range items {
			if d, ok := decodeDevice(item); ok {
				p.devices = append(p.devices, d)
			}
		}
	}

	if md := normalizeMetadata(data); md != nil {
		p.metadata = decodeMetadata(md)
	}
	return p
}

// normalizeMetadata accepts the metadata block at data.metadata, nested one
// level deeper at data.metadata.metadata, or flattened into data itself.
// Inner fields win over outer ones when both shapes appear at once.
func normalizeMetadata(data object) object {
	outer := decodeObject(data[keyMetadata])
	if outer == nil {
		for _, k := range flatMetadataKeys {
			if _, ok := data[k]; ok {
				return data
			}
		}
		return nil
	}

	inner := decodeObject(outer[keyMetadata])
	if inner == nil {
		return outer
	}
	merged := make(object, len(outer)+len(inner))
	for k, v := range outer {
		if k != keyMetadata {
			merged[k] = v
		}
	}
	for k, v := range inner {
		merged[k] = v
	}
	return merged
}

func decodeMetadata(obj object) *Metadata {
	md := &Metadata{}
	if v, ok := field[bool](obj, keyRunning); ok {
		md.Running = &v
	}
	if v, ok := field[string](obj, keyStage); ok && v != "" {
		md.Stage = &v
	}
	md.PercentComplete, _ = number(obj, keyPercentComplete)
	md.DevicesScanned = integer(obj, keyDevicesScanned)
	md.DevicesTotal = integer(obj, keyDevicesTotal)
	md.DevicesAlive = integer(obj, keyDevicesAlive)
	md.RunTime, _ = number(obj, keyRunTime)

	for _, item := range list(obj, keyErrors) {
		if msg, device, stage, ok := decodeIssue(item); ok {
			md.Errors = append(md.Errors, ErrorInfo{Message: msg, Device: device, Stage: stage})
		}
	}
	for _, item := range list(obj, keyWarnings) {
		if msg, device, stage, ok := decodeIssue(item); ok {
			md.Warnings = append(md.Warnings, WarningInfo{Message: msg, Device: device, Stage: stage})
		}
	}
	return md
}

func list(obj object, key string) []json.RawMessage {
	items, _ := field[[]json.RawMessage](obj, key)
	return items
}

// decodeIssue reads an error or warning given either as a bare string or as
// an object with a message.
func decodeIssue(raw json.RawMessage) (msg, device, stage string, ok bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, "", "", s != ""
	}
	obj := decodeObject(raw)
	if obj == nil {
		return "", "", "", false
	}
	msg, _ = field[string](obj, "message")
	if msg == "" {
		msg, _ = field[string](obj, "error")
	}
	device, _ = field[string](obj, "device")
	stage, _ = field[string](obj, keyStage)
	return msg, device, stage, msg != ""
}

// decodeDevice reads one device record. Records without an IP are skipped.
func decodeDevice(raw json.RawMessage) (Device, bool) {
	obj := decodeObject(raw)
	if obj == nil {
		return Device{}, false
	}
	ip, _ := field[string](obj, "ip")
	if ip == "" {
		return Device{}, false
	}

	d := Device{IP: ip}
	d.Alive, _ = field[bool](obj, "alive")
	d.Hostname, _ = field[string](obj, "hostname")
	d.MACAddr, _ = field[string](obj, "mac_addr")
	d.Manufacturer, _ = field[string](obj, "manufacturer")
	d.Ports, _ = field[[]int](obj, "ports")
	d.Services, _ = field[map[string][]string](obj, "services")
	d.Stage, _ = field[string](obj, keyStage)
	d.Errors, _ = field[[]string](obj, keyErrors)
	return d, true
}
