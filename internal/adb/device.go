// Package adb holds the data model shared by the adb client packages.
package adb

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DeviceState is the connection state reported by the adb server.
type DeviceState string

const (
	StateOffline       DeviceState = "offline"
	StateConnecting    DeviceState = "connecting"
	StateOnline        DeviceState = "device"
	StateAuthorizing   DeviceState = "authorizing"
	StateUnauthorized  DeviceState = "unauthorized"
	StateBootloader    DeviceState = "bootloader"
	StateRecovery      DeviceState = "recovery"
	StateDownload      DeviceState = "download"
	StateHost          DeviceState = "host"
	StateNoPermissions DeviceState = "no permissions"
	StateSideload      DeviceState = "sideload"
	StateUnknown       DeviceState = "unknown"
)

var knownStates = []DeviceState{
	StateOffline, StateConnecting, StateOnline, StateAuthorizing, StateUnauthorized,
	StateBootloader, StateRecovery, StateDownload, StateHost, StateNoPermissions, StateSideload,
}

// ParseDeviceState maps a state token to a DeviceState. Unrecognised tokens map to StateUnknown.
func ParseDeviceState(token string) DeviceState {
	token = strings.ToLower(strings.TrimSpace(token))
	for _, s := range knownStates {
		if string(s) == token {
			return s
		}
	}

	return StateUnknown
}

// Device is one entry of a device list. Equality is structural; see Equal.
type Device struct {
	Serial      string
	State       DeviceState
	Product     string
	Model       string
	Name        string
	Features    []string
	USB         string
	TransportID uint64
	// Message is only set for StateNoPermissions.
	Message string
}

// Equal reports whether every field of d and other matches.
func (d Device) Equal(other Device) bool {
	return d.Serial == other.Serial &&
		d.State == other.State &&
		d.Product == other.Product &&
		d.Model == other.Model &&
		d.Name == other.Name &&
		slices.Equal(d.Features, other.Features) &&
		d.USB == other.USB &&
		d.TransportID == other.TransportID &&
		d.Message == other.Message
}

// HasFeature reports whether the device advertises feature.
func (d Device) HasFeature(feature string) bool {
	return slices.Contains(d.Features, feature)
}

func (d Device) String() string {
	if d.Model == "" {
		return fmt.Sprintf("%s (%s)", d.Serial, d.State)
	}

	return fmt.Sprintf("%s %s (%s)", d.Serial, d.Model, d.State)
}

// ErrMalformedDevice is returned for device lines without a serial and a state.
var ErrMalformedDevice = errors.New("malformed device line")

var deviceAttrs = []string{"usb", "product", "model", "device", "features", "transport_id"}

// ParseDevice parses one line of host:devices(-l) or host:track-devices output:
//
//	<serial>\t<state>[ <message>][ usb:<v>][ product:<v>][ model:<v>][ device:<v>][ features:<a,b>][ transport_id:<n>]
//
// Older servers separate serial and state with spaces instead of a tab.
func ParseDevice(line string) (Device, error) {
	line = strings.TrimRight(line, "\r")
	serial, rest, ok := strings.Cut(line, "\t")
	if !ok {
		trimmed := strings.TrimSpace(line)
		idx := strings.IndexAny(trimmed, " \t")
		if idx < 0 {
			return Device{}, fmt.Errorf("%w: %q", ErrMalformedDevice, line)
		}
		serial, rest = trimmed[:idx], trimmed[idx:]
	}
	serial = strings.TrimSpace(serial)
	fields := strings.Fields(rest)
	if serial == "" || len(fields) == 0 {
		return Device{}, fmt.Errorf("%w: %q", ErrMalformedDevice, line)
	}

	d := Device{Serial: serial}
	if strings.EqualFold(fields[0], "no") && len(fields) > 1 && strings.EqualFold(fields[1], "permissions") {
		d.State = StateNoPermissions
		fields = fields[2:]
	} else {
		d.State = ParseDeviceState(fields[0])
		fields = fields[1:]
	}

	var (
		message []string
		attrs   = map[string][]string{}
		current string
	)
	for _, f := range fields {
		if key, value, ok := splitAttr(f); ok {
			current = key
			attrs[key] = []string{value}

			continue
		}
		if current != "" {
			attrs[current] = append(attrs[current], f)

			continue
		}
		message = append(message, f)
	}

	if d.State == StateNoPermissions {
		d.Message = strings.Join(message, " ")
	}
	d.USB = strings.Join(attrs["usb"], " ")
	d.Product = strings.Join(attrs["product"], " ")
	d.Model = strings.Join(attrs["model"], " ")
	d.Name = strings.Join(attrs["device"], " ")
	if raw := strings.Join(attrs["features"], ""); raw != "" {
		d.Features = strings.Split(raw, ",")
	}
	if raw := strings.Join(attrs["transport_id"], ""); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			d.TransportID = id
		}
	}

	return d, nil
}

func splitAttr(field string) (string, string, bool) {
	key, value, ok := strings.Cut(field, ":")
	if !ok {
		return "", "", false
	}
	key = strings.ToLower(key)
	if !slices.Contains(deviceAttrs, key) {
		return "", "", false
	}

	return key, value, true
}

// ParseDeviceList parses a newline separated device list. Empty lines are skipped.
func ParseDeviceList(payload string) ([]Device, error) {
	lines := strings.Split(payload, "\n")
	devices := make([]Device, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		d, err := ParseDevice(line)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	return devices, nil
}
