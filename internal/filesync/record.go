package filesync

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/wire"
)

const (
	// MaxChunkSize is the largest DATA payload either side may send.
	MaxChunkSize = 64 * 1024
	// MaxPathLength is the longest remote path accepted by the device.
	MaxPathLength = 1024

	statV1Size = 12
	statV2Size = 68
	dentSize   = 16
)

func appendRequest(buf []byte, cmd Command, arg string) []byte {
	tag := cmd.Bytes()
	buf = append(buf, tag[:]...)
	// #nosec G115 -- callers bound arg by MaxPathLength or MaxChunkSize.
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(arg)))

	return append(buf, arg...)
}

func appendHeader(buf []byte, cmd Command, value uint32) []byte {
	tag := cmd.Bytes()
	buf = append(buf, tag[:]...)

	return binary.LittleEndian.AppendUint32(buf, value)
}

func writeRequest(w io.Writer, cmd Command, arg string) error {
	if _, err := w.Write(appendRequest(nil, cmd, arg)); err != nil {
		return wire.NewConnectionError("write "+cmd.String(), err)
	}

	return nil
}

func readCommand(r io.Reader) (Command, error) {
	var tag [4]byte
	if err := wire.ReadFull(r, tag[:], "read sync tag"); err != nil {
		return 0, err
	}

	return ParseCommand(tag[:])
}

func readUint32(r io.Reader, op string) (uint32, error) {
	var buf [4]byte
	if err := wire.ReadFull(r, buf[:], op); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

// readFailure reads the message body that follows a FAIL tag.
func readFailure(r io.Reader) error {
	n, err := readUint32(r, "read failure length")
	if err != nil {
		return err
	}
	if n > MaxChunkSize {
		return &wire.ProtocolError{Op: "read failure length", Got: fmt.Sprint(n)}
	}
	msg := make([]byte, n)
	if err := wire.ReadFull(r, msg, "read failure message"); err != nil {
		return err
	}

	return &wire.ServerError{Message: string(msg)}
}

func decodeStatV1(path string, b []byte) adb.FileStatistics {
	return adb.FileStatistics{
		Path:    path,
		Mode:    adb.FileMode(binary.LittleEndian.Uint32(b[0:4])),
		Size:    int64(binary.LittleEndian.Uint32(b[4:8])),
		ModTime: unixTime(int64(binary.LittleEndian.Uint32(b[8:12]))),
	}
}

// decodeStatV2 decodes the record that follows the STA2/LST2 tag. The first field is errno.
func decodeStatV2(path string, b []byte) (adb.FileStatisticsV2, uint32) {
	le := binary.LittleEndian
	errno := le.Uint32(b[0:4])
	size := le.Uint64(b[36:44])
	if size > math.MaxInt64 {
		size = math.MaxInt64
	}

	return adb.FileStatisticsV2{
		Path:       path,
		Device:     le.Uint64(b[4:12]),
		Inode:      le.Uint64(b[12:20]),
		Mode:       adb.FileMode(le.Uint32(b[20:24])),
		LinkCount:  le.Uint32(b[24:28]),
		UID:        le.Uint32(b[28:32]),
		GID:        le.Uint32(b[32:36]),
		Size:       int64(size),
		AccessTime: unixTime(int64(le.Uint64(b[44:52]))),
		ModTime:    unixTime(int64(le.Uint64(b[52:60]))),
		ChangeTime: unixTime(int64(le.Uint64(b[60:68]))),
	}, errno
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}

	return time.Unix(sec, 0)
}

func toUnix32(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	sec := t.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return 0
	}

	return uint32(sec)
}
