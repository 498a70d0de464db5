package wire

import (
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("adb protocol violation")
	// ErrConnectionClosed matches every *ConnectionError.
	ErrConnectionClosed = errors.New("adb connection closed")
	// ErrRequestTooLong is returned for commands that do not fit a 4-hex-digit length.
	ErrRequestTooLong = errors.New("adb request too long")
)

// ProtocolError reports bytes on the wire that do not match the expected frame shape.
// The connection that produced it must not be reused.
type ProtocolError struct {
	Op  string
	Got string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: unexpected %q", e.Op, e.Got)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// ServerError is a well-formed FAIL reply from the adb server or device.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "adb server failure"
	}

	return "adb server failure: " + e.Message
}

// ConnectionError is a socket-level failure: reset, early close or timeout.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return e.Op + ": connection closed"
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionClosed
}

// Retryable reports that a fresh connection may succeed.
func (e *ConnectionError) Retryable() bool {
	return true
}

// IsRetryable reports whether a fresh connection may get past err. Only socket failures
// qualify: a FAIL reply or a protocol violation will repeat on the next attempt.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}

	return false
}

// Timeout reports whether the failure was a deadline expiry.
func (e *ConnectionError) Timeout() bool {
	return isTimeout(e.Err)
}

// NewConnectionError wraps err as a connection failure of op.
func NewConnectionError(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}

// IsConnectionError reports whether err is a connection failure.
func IsConnectionError(err error) bool {
	var ce *ConnectionError

	return errors.As(err, &ce)
}

// IsServerError reports whether err carries a FAIL reply and returns it.
func IsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}

	return nil, false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}
