// Package wire encodes and decodes the adb host protocol frames.
//
// Requests are ASCII commands prefixed with four hex digits holding their length.
// Replies start with a literal OKAY or FAIL; FAIL carries a hex-length-prefixed message.
package wire

import (
	"fmt"
	"io"
	"math"
	"strconv"
)

const (
	StatusOkay = "OKAY"
	StatusFail = "FAIL"

	// MaxRequestLength is the largest command a 4-hex-digit prefix can describe.
	MaxRequestLength = math.MaxUint16
)

// Response is the parsed status frame of one request.
type Response struct {
	Okay    bool
	Message string
	// IOSuccess is false when the status could not be read at all.
	IOSuccess bool
	TimedOut  bool
}

// Err returns a *ServerError for failed responses and nil otherwise.
func (r Response) Err() error {
	if r.Okay {
		return nil
	}

	return &ServerError{Message: r.Message}
}

// EncodeRequest returns the framed form of command.
func EncodeRequest(command string) ([]byte, error) {
	if len(command) > MaxRequestLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrRequestTooLong, len(command))
	}

	frame := make([]byte, 0, 4+len(command))
	frame = fmt.Appendf(frame, "%04X", len(command))
	frame = append(frame, command...)

	return frame, nil
}

// WriteRequest writes command as a single frame.
func WriteRequest(w io.Writer, command string) error {
	frame, err := EncodeRequest(command)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return NewConnectionError("write request", err)
	}

	return nil
}

// ReadResponse reads an OKAY or FAIL status. A FAIL is returned as a Response with
// Okay unset and a nil error; use Response.Err to turn it into a *ServerError.
func ReadResponse(r io.Reader) (Response, error) {
	var status [4]byte
	if err := readFull(r, status[:], "read response status"); err != nil {
		return Response{TimedOut: isTimeout(err)}, err
	}

	switch string(status[:]) {
	case StatusOkay:
		return Response{Okay: true, IOSuccess: true}, nil
	case StatusFail:
		msg, err := ReadHexString(r)
		if err != nil {
			return Response{IOSuccess: true, TimedOut: isTimeout(err)}, fmt.Errorf("read failure message: %w", err)
		}

		return Response{Message: msg, IOSuccess: true}, nil
	default:
		return Response{IOSuccess: true}, &ProtocolError{Op: "read response status", Got: string(status[:])}
	}
}

// ReadHexLength reads a 4-hex-digit length.
func ReadHexLength(r io.Reader) (int, error) {
	var buf [4]byte
	if err := readFull(r, buf[:], "read length"); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(string(buf[:]), 16, 16)
	if err != nil {
		return 0, &ProtocolError{Op: "parse length", Got: string(buf[:])}
	}

	return int(n), nil
}

// ReadHexString reads a 4-hex-digit length followed by that many bytes.
func ReadHexString(r io.Reader) (string, error) {
	payload, err := ReadHexBytes(r)
	if err != nil {
		return "", err
	}

	return string(payload), nil
}

// ReadHexBytes is ReadHexString for binary payloads.
func ReadHexBytes(r io.Reader) ([]byte, error) {
	n, err := ReadHexLength(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if err := readFull(r, payload, "read payload"); err != nil {
		return nil, err
	}

	return payload, nil
}

// ReadFull reads exactly len(buf) bytes. Any short read is reported as a *ConnectionError.
func ReadFull(r io.Reader, buf []byte, op string) error {
	return readFull(r, buf, op)
}

func readFull(r io.Reader, buf []byte, op string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return NewConnectionError(op, err)
	}

	return nil
}
