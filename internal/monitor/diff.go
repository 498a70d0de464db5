package monitor

import (
	"sort"
	"time"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/events"
)

// Snapshot is one device list keyed by serial.
type Snapshot map[string]adb.Device

// NewSnapshot indexes devices by serial. A later duplicate serial replaces an earlier one.
func NewSnapshot(devices []adb.Device) Snapshot {
	s := make(Snapshot, len(devices))
	for _, d := range devices {
		s[d.Serial] = d
	}

	return s
}

// Devices returns the snapshot sorted by serial.
func (s Snapshot) Devices() []adb.Device {
	out := make([]adb.Device, 0, len(s))
	for _, d := range s {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })

	return out
}

// Diff compares two snapshots by serial only. Disconnections come first, then
// connections, then changes; each group is sorted by serial.
func Diff(prev, next Snapshot, at time.Time) []events.DeviceEvent {
	var out []events.DeviceEvent
	for _, d := range prev.Devices() {
		if _, ok := next[d.Serial]; !ok {
			out = append(out, events.DeviceEvent{Kind: events.DeviceDisconnected, Device: d, Previous: d, At: at})
		}
	}
	for _, d := range next.Devices() {
		if _, ok := prev[d.Serial]; !ok {
			out = append(out, events.DeviceEvent{Kind: events.DeviceConnected, Device: d, At: at})
		}
	}
	for _, d := range next.Devices() {
		if old, ok := prev[d.Serial]; ok && !old.Equal(d) {
			out = append(out, events.DeviceEvent{Kind: events.DeviceChanged, Device: d, Previous: old, At: at})
		}
	}

	return out
}
