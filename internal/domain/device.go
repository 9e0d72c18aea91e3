// Package domain holds the typed entities shared across the gateway:
// devices, weighing events, offline batches, cached sessions, and the
// edge identity. Domain types carry no behavior beyond small predicates —
// they are pure data, persisted by the sqlite store and exchanged between
// services.
package domain

import "time"

// DeviceStatus is the derived health of a scale, recomputed by the
// activity monitor from connection and timestamp state.
type DeviceStatus string

const (
	DeviceOnline       DeviceStatus = "online"
	DeviceIdle         DeviceStatus = "idle"
	DeviceStale        DeviceStatus = "stale"
	DeviceDisconnected DeviceStatus = "disconnected"
	DeviceUnknown      DeviceStatus = "unknown"
)

// DeviceType categorizes where on the floor a scale sits.
type DeviceType string

const (
	DeviceDisassembly DeviceType = "disassembly"
	DeviceRetail      DeviceType = "retail"
	DeviceReceiving   DeviceType = "receiving"
)

// Device is one scale, keyed by the short label from its registration
// frame (e.g. "SCALE-01"). Created on first registration, never deleted —
// disconnection only flips flags.
type Device struct {
	DeviceID             string       `json:"device_id"`
	GlobalDeviceID       string       `json:"global_device_id,omitempty"`
	DisplayName          string       `json:"display_name,omitempty"`
	Location             string       `json:"location,omitempty"`
	Type                 DeviceType   `json:"type,omitempty"`
	Status               DeviceStatus `json:"status"`
	TCPConnected         bool         `json:"tcp_connected"`
	LastHeartbeatAt      time.Time    `json:"last_heartbeat_at,omitempty"`
	LastEventAt          time.Time    `json:"last_event_at,omitempty"`
	HeartbeatCount       int64        `json:"heartbeat_count"`
	EventCount           int64        `json:"event_count"`
	ConnectedAt          time.Time    `json:"connected_at,omitempty"`
	SourceIP             string       `json:"source_ip,omitempty"`
	ActiveCloudSessionID string       `json:"active_cloud_session_id,omitempty"`
}

// EverConnected reports whether the scale has completed registration at
// least once. Devices that never have stay in status "unknown".
func (d *Device) EverConnected() bool {
	return !d.ConnectedAt.IsZero()
}
