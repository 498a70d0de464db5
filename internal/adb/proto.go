package adb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of adb's devices.proto, used by host:track-devices-proto-binary.
const (
	protoDevicesDevice = 1

	protoDeviceSerial      = 1
	protoDeviceState       = 2
	protoDeviceBusAddress  = 3
	protoDeviceProduct     = 4
	protoDeviceModel       = 5
	protoDeviceName        = 6
	protoDeviceTransportID = 10
)

var protoStates = map[uint64]DeviceState{
	0:  StateConnecting,
	1:  StateAuthorizing,
	2:  StateUnauthorized,
	3:  StateNoPermissions,
	5:  StateOffline,
	6:  StateBootloader,
	7:  StateOnline,
	8:  StateHost,
	9:  StateRecovery,
	10: StateSideload,
}

// ParseDeviceListProto decodes a binary adb.proto.Devices message.
func ParseDeviceListProto(b []byte) ([]Device, error) {
	var devices []Device
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode devices tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num == protoDevicesDevice && typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decode device: %w", protowire.ParseError(n))
			}
			d, err := parseDeviceProto(raw)
			if err != nil {
				return nil, err
			}
			devices = append(devices, d)
			b = b[n:]

			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("skip devices field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	return devices, nil
}

func parseDeviceProto(b []byte) (Device, error) {
	d := Device{State: StateConnecting}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Device{}, fmt.Errorf("decode device tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && isStringField(num):
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Device{}, fmt.Errorf("decode device field %d: %w", num, protowire.ParseError(n))
			}
			setStringField(&d, num, v)
			b = b[n:]
		case typ == protowire.VarintType && (num == protoDeviceState || num == protoDeviceTransportID):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Device{}, fmt.Errorf("decode device field %d: %w", num, protowire.ParseError(n))
			}
			if num == protoDeviceState {
				state, ok := protoStates[v]
				if !ok {
					state = StateUnknown
				}
				d.State = state
			} else {
				d.TransportID = v
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Device{}, fmt.Errorf("skip device field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return d, nil
}

func isStringField(num protowire.Number) bool {
	switch num {
	case protoDeviceSerial, protoDeviceBusAddress, protoDeviceProduct, protoDeviceModel, protoDeviceName:
		return true
	default:
		return false
	}
}

func setStringField(d *Device, num protowire.Number, v string) {
	switch num {
	case protoDeviceSerial:
		d.Serial = v
	case protoDeviceBusAddress:
		d.USB = v
	case protoDeviceProduct:
		d.Product = v
	case protoDeviceModel:
		d.Model = v
	case protoDeviceName:
		d.Name = v
	}
}
