package shell

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/skobkin/adbwire/internal/wire"
)

// PacketID identifies the stream a shell v2 packet belongs to.
type PacketID byte

const (
	PacketStdin PacketID = iota
	PacketStdout
	PacketStderr
	PacketExit
	PacketCloseStdin
	PacketWindowSize
)

const maxPacketSize = 1 << 20

// ErrNoExitCode is returned by Demux when the stream ended without an exit packet.
var ErrNoExitCode = errors.New("shell stream ended without exit code")

// Packet is one shell v2 frame: id byte, little-endian u32 length, payload.
type Packet struct {
	ID      PacketID
	Payload []byte
}

// ReadPacket reads one shell v2 packet.
func ReadPacket(r io.Reader) (Packet, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		// A clean EOF between packets ends the stream.
		if errors.Is(err, io.EOF) {
			return Packet{}, io.EOF
		}

		return Packet{}, wire.NewConnectionError("read shell packet", err)
	}
	if err := wire.ReadFull(r, head[1:], "read shell packet length"); err != nil {
		return Packet{}, err
	}
	id := PacketID(head[0])
	if id > PacketWindowSize {
		return Packet{}, &wire.ProtocolError{Op: "read shell packet", Got: fmt.Sprintf("id %d", id)}
	}
	n := binary.LittleEndian.Uint32(head[1:])
	if n > maxPacketSize {
		return Packet{}, &wire.ProtocolError{Op: "read shell packet", Got: fmt.Sprintf("length %d", n)}
	}
	payload := make([]byte, n)
	if err := wire.ReadFull(r, payload, "read shell packet payload"); err != nil {
		return Packet{}, err
	}

	return Packet{ID: id, Payload: payload}, nil
}

// WritePacket writes one shell v2 packet, typically stdin data or PacketCloseStdin.
func WritePacket(w io.Writer, id PacketID, payload []byte) error {
	if len(payload) > maxPacketSize {
		return fmt.Errorf("shell packet too large: %d", len(payload))
	}
	buf := make([]byte, 5, 5+len(payload))
	buf[0] = byte(id)
	// #nosec G115 -- bounded by maxPacketSize above.
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(payload)))
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return wire.NewConnectionError("write shell packet", err)
	}

	return nil
}

// Demux copies stdout and stderr packets into the given writers until the exit packet
// arrives and returns the remote exit code. Nil writers discard their stream.
func Demux(r io.Reader, stdout, stderr io.Writer) (int, error) {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	for {
		pkt, err := ReadPacket(r)
		if errors.Is(err, io.EOF) {
			return -1, ErrNoExitCode
		}
		if err != nil {
			return -1, err
		}

		switch pkt.ID {
		case PacketStdout:
			if _, err := stdout.Write(pkt.Payload); err != nil {
				return -1, fmt.Errorf("write stdout: %w", err)
			}
		case PacketStderr:
			if _, err := stderr.Write(pkt.Payload); err != nil {
				return -1, fmt.Errorf("write stderr: %w", err)
			}
		case PacketExit:
			if len(pkt.Payload) != 1 {
				return -1, &wire.ProtocolError{Op: "read exit code", Got: fmt.Sprintf("%d bytes", len(pkt.Payload))}
			}

			return int(pkt.Payload[0]), nil
		}
	}
}
