// Package transport owns the connection to the adb server and its mode switches.
package transport

import (
	"context"
	"io"
	"time"
)

// Socket is a byte pipe to the adb server. TCPSocket is the production implementation;
// transporttest provides an in-memory one.
type Socket interface {
	io.ReadWriteCloser
	Name() string
	Connect(ctx context.Context) error
	// SetDeadline applies to pending and future reads and writes; the zero time clears it.
	SetDeadline(t time.Time) error
	// Clone returns an unconnected socket to the same endpoint.
	Clone() Socket
}

// EndpointResolver is implemented by sockets that can describe where they connect to.
type EndpointResolver interface {
	Endpoint() string
}

// Mode is the sub-protocol a connection has been switched into.
type Mode int

const (
	ModeHost Mode = iota
	ModeTransport
	ModeShell
	ModeSync
	ModeTracking
	ModeClosed
)

func (m Mode) String() string {
	switch m {
	case ModeHost:
		return "host"
	case ModeTransport:
		return "transport"
	case ModeShell:
		return "shell"
	case ModeSync:
		return "sync"
	case ModeTracking:
		return "tracking"
	case ModeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// streaming reports whether the connection now carries a sub-protocol byte stream.
func (m Mode) streaming() bool {
	return m == ModeShell || m == ModeSync || m == ModeTracking
}

// ShellMode selects the shell service protocol.
type ShellMode int

const (
	// ShellLegacy is the v1 shell that turns \n into \r\n.
	ShellLegacy ShellMode = iota
	// ShellV2 multiplexes stdout, stderr and the exit code into packets.
	ShellV2
	// ShellV2Raw is ShellV2 with a raw PTY.
	ShellV2Raw
)

// TrackFormat selects the device tracking service.
type TrackFormat int

const (
	TrackShort TrackFormat = iota
	TrackLong
	TrackProto
)

func (f TrackFormat) command() string {
	switch f {
	case TrackLong:
		return "host:track-devices-l"
	case TrackProto:
		return "host:track-devices-proto-binary"
	default:
		return "host:track-devices"
	}
}

// Target names the device a connection is bound to. A non-zero TransportID wins over Serial.
type Target struct {
	Serial      string
	TransportID uint64
}

func (t Target) String() string {
	if t.TransportID != 0 {
		return "transport-id:" + formatUint(t.TransportID)
	}

	return t.Serial
}
