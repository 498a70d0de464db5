// Package events defines bus payloads and topics.
package events

import (
	"time"

	"github.com/skobkin/adbwire/internal/adb"
)

// DeviceEventKind tags a device list change.
type DeviceEventKind string

const (
	DeviceConnected    DeviceEventKind = "connected"
	DeviceDisconnected DeviceEventKind = "disconnected"
	DeviceChanged      DeviceEventKind = "changed"
	// DeviceListChanged follows the per-device events of a snapshot that changed anything.
	DeviceListChanged DeviceEventKind = "list_changed"
)

// DeviceEvent is one change between two consecutive device snapshots.
type DeviceEvent struct {
	Kind   DeviceEventKind
	Device adb.Device
	// Previous is the record before the change; zero for DeviceConnected.
	Previous adb.Device
	// Devices is the whole list sorted by serial, set only for DeviceListChanged.
	Devices []adb.Device
	At      time.Time
}

// PerDevice reports whether the event concerns a single device.
func (e DeviceEvent) PerDevice() bool {
	return e.Kind != DeviceListChanged
}

// DeviceList is published on TopicDeviceList for every snapshot the server pushes,
// changed or not.
type DeviceList struct {
	Devices []adb.Device
	At      time.Time
}

// MonitorState is the device monitor lifecycle state.
type MonitorState string

const (
	MonitorIdle         MonitorState = "idle"
	MonitorConnecting   MonitorState = "connecting"
	MonitorRunning      MonitorState = "running"
	MonitorReconnecting MonitorState = "reconnecting"
	MonitorStopped      MonitorState = "stopped"
)

// MonitorStatus is published whenever the monitor changes state.
type MonitorStatus struct {
	State     MonitorState
	Err       string
	Timestamp time.Time
}
