package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/skobkin/adbwire/internal/wire"
)

var (
	// ErrModeLocked is returned when a request is issued on a connection that already
	// carries a shell, sync or tracking stream.
	ErrModeLocked = errors.New("connection is locked to a streaming service")
	// ErrNotShell is returned by ShellStream before a successful shell switch.
	ErrNotShell = errors.New("connection is not in shell mode")
	// ErrDeviceNotFound matches every *DeviceNotFoundError.
	ErrDeviceNotFound = errors.New("device not found")

	errConnClosed = errors.New("connection is closed")
)

// DeviceNotFoundError is a FAIL reply telling that the selected device does not exist.
type DeviceNotFoundError struct {
	Target  Target
	Message string
}

func (e *DeviceNotFoundError) Error() string {
	if e.Target == (Target{}) {
		return "device not found: " + e.Message
	}

	return fmt.Sprintf("device %s not found: %s", e.Target, e.Message)
}

func (e *DeviceNotFoundError) Is(target error) bool {
	return target == ErrDeviceNotFound
}

func (e *DeviceNotFoundError) Unwrap() error {
	return &wire.ServerError{Message: e.Message}
}

// Conn is one connection to the adb server. It has a single owner; only Close may be
// called from another goroutine, which aborts any blocked read.
type Conn struct {
	socket Socket
	base   *slog.Logger
	logger *slog.Logger

	mu     sync.Mutex
	mode   Mode
	target Target
}

// NewConn wraps an unconnected socket. A nil logger discards output.
func NewConn(socket Socket, logger *slog.Logger) *Conn {
	attrs := []any{}
	if r, ok := socket.(EndpointResolver); ok {
		attrs = append(attrs, "target", r.Endpoint())
	}

	return &Conn{
		socket: socket,
		base:   logger,
		logger: componentLogger(logger, socket.Name(), attrs...),
		mode:   ModeClosed,
	}
}

// Dial connects socket and returns the ready connection.
func Dial(ctx context.Context, socket Socket, logger *slog.Logger) (*Conn, error) {
	c := NewConn(socket, logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Conn) Connect(ctx context.Context) error {
	if err := c.socket.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.mode = ModeHost
	c.target = Target{}
	c.mu.Unlock()

	return nil
}

func (c *Conn) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mode
}

// Target returns the device selected with SelectDevice, if any.
func (c *Conn) Target() Target {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.target
}

func (c *Conn) Logger() *slog.Logger {
	return c.logger
}

func (c *Conn) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// Run executes fn against the raw stream with ctx applied: the ctx deadline becomes the
// socket deadline and cancellation closes the connection.
func (c *Conn) Run(ctx context.Context, fn func(rw io.ReadWriter) error) error {
	if err := ctx.Err(); err != nil {
		c.abort()

		return err
	}
	if c.Mode() == ModeClosed {
		return wire.NewConnectionError("run", errConnClosed)
	}

	deadline, _ := ctx.Deadline()
	_ = c.socket.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, c.abort)

	err := fn(c.socket)
	if !stop() {
		return ctx.Err()
	}
	if err != nil && ctx.Err() != nil {
		c.abort()

		return ctx.Err()
	}

	return err
}

// SendRequest writes one host request frame.
func (c *Conn) SendRequest(ctx context.Context, command string) error {
	mode := c.Mode()
	if mode.streaming() {
		c.logger.Warn("request rejected", "command", command, "mode", mode.String())

		return fmt.Errorf("send %q: %w (mode %s)", command, ErrModeLocked, mode)
	}
	c.logger.Debug("request", "command", command)

	return c.Run(ctx, func(rw io.ReadWriter) error {
		return wire.WriteRequest(rw, command)
	})
}

// ReadResponse reads one OKAY/FAIL status.
func (c *Conn) ReadResponse(ctx context.Context) (wire.Response, error) {
	var resp wire.Response
	err := c.Run(ctx, func(rw io.ReadWriter) error {
		var err error
		resp, err = wire.ReadResponse(rw)

		return err
	})
	if err != nil {
		if errors.Is(err, wire.ErrProtocol) {
			c.abort()
		}

		return resp, err
	}

	return resp, nil
}

// Request sends command and turns a FAIL reply into an error.
func (c *Conn) Request(ctx context.Context, command string) error {
	if err := c.SendRequest(ctx, command); err != nil {
		return err
	}
	resp, err := c.ReadResponse(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	if !resp.Okay {
		c.logger.Debug("request failed", "command", command, "message", resp.Message)

		return c.failure(resp.Message)
	}

	return nil
}

// RequestString sends command and reads the hex-length-prefixed reply that follows OKAY.
func (c *Conn) RequestString(ctx context.Context, command string) (string, error) {
	if err := c.Request(ctx, command); err != nil {
		return "", err
	}

	return c.ReadString(ctx)
}

// ReadString reads a hex-length-prefixed string.
func (c *Conn) ReadString(ctx context.Context) (string, error) {
	payload, err := c.ReadBytes(ctx)

	return string(payload), err
}

// ReadBytes reads a hex-length-prefixed binary payload.
func (c *Conn) ReadBytes(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := c.Run(ctx, func(rw io.ReadWriter) error {
		var err error
		payload, err = wire.ReadHexBytes(rw)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read string: %w", err)
	}

	return payload, nil
}

// ReadAll reads until the server closes the stream.
func (c *Conn) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	err := c.Run(ctx, func(rw io.ReadWriter) error {
		var err error
		out, err = io.ReadAll(rw)

		return err
	})
	if err != nil {
		return out, wire.NewConnectionError("read all", err)
	}

	return out, nil
}

// SelectDevice binds the connection to a device with host:transport or host:transport-id.
func (c *Conn) SelectDevice(ctx context.Context, target Target) error {
	var command string
	switch {
	case target.TransportID != 0:
		command = "host:transport-id:" + formatUint(target.TransportID)
	case target.Serial != "":
		command = "host:transport:" + target.Serial
	default:
		return errors.New("select device: empty target")
	}

	if err := c.Request(ctx, command); err != nil {
		var nf *DeviceNotFoundError
		if errors.As(err, &nf) {
			nf.Target = target
		}

		return err
	}

	c.mu.Lock()
	c.mode = ModeTransport
	c.target = target
	c.mu.Unlock()
	c.logger.Debug("device selected", "device", target.String())

	return nil
}

// RequestShell switches into a shell service running command.
func (c *Conn) RequestShell(ctx context.Context, command string, mode ShellMode) error {
	var prefix string
	switch mode {
	case ShellV2:
		prefix = "shell,v2:"
	case ShellV2Raw:
		prefix = "shell,v2,raw:"
	default:
		prefix = "shell:"
	}
	if err := c.Request(ctx, prefix+command); err != nil {
		return err
	}
	c.setMode(ModeShell)

	return nil
}

// RequestSync switches into the file sync service.
func (c *Conn) RequestSync(ctx context.Context) error {
	if err := c.Request(ctx, "sync:"); err != nil {
		return err
	}
	c.setMode(ModeSync)

	return nil
}

// RequestTrackDevices subscribes to device list pushes.
func (c *Conn) RequestTrackDevices(ctx context.Context, format TrackFormat) error {
	if err := c.Request(ctx, format.command()); err != nil {
		return err
	}
	c.setMode(ModeTracking)

	return nil
}

// ShellStream returns the raw shell stream. Every read and write honours ctx. A stream
// the server closes before sending a single byte fails its first read with a
// *wire.ConnectionError wrapping io.EOF; see IsEmptyStream.
func (c *Conn) ShellStream(ctx context.Context) (io.ReadWriter, error) {
	switch c.Mode() {
	case ModeShell:
		return &streamRW{conn: c, ctx: ctx}, nil
	case ModeClosed:
		return nil, wire.NewConnectionError("shell stream", errConnClosed)
	default:
		return nil, ErrNotShell
	}
}

// Reconnect closes the socket and dials the same endpoint once.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.abort()
	c.logger.Debug("reconnecting")

	return c.Connect(ctx)
}

// Clone returns an unconnected connection to the same endpoint.
func (c *Conn) Clone() *Conn {
	return NewConn(c.socket.Clone(), c.base)
}

// Close is safe to call from any goroutine and more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	wasOpen := c.mode != ModeClosed
	c.mode = ModeClosed
	c.mu.Unlock()

	err := c.socket.Close()
	if wasOpen {
		c.logger.Debug("connection closed")
	}

	return err
}

func (c *Conn) abort() {
	_ = c.Close()
}

func (c *Conn) failure(message string) error {
	if isDeviceNotFound(message) {
		return &DeviceNotFoundError{Target: c.Target(), Message: message}
	}

	return &wire.ServerError{Message: message}
}

func isDeviceNotFound(message string) bool {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "no devices") {
		return true
	}

	return strings.Contains(lower, "device") && strings.Contains(lower, "not found")
}

// IsEmptyStream reports whether err is the failure of a shell stream that closed
// before producing any output.
func IsEmptyStream(err error) bool {
	return errors.Is(err, io.EOF) && wire.IsConnectionError(err)
}

type streamRW struct {
	conn *Conn
	ctx  context.Context
	seen bool
}

func (s *streamRW) Read(p []byte) (int, error) {
	var n int
	err := s.conn.Run(s.ctx, func(rw io.ReadWriter) error {
		var err error
		n, err = rw.Read(p)

		return err
	})
	if n > 0 {
		s.seen = true
	}
	if errors.Is(err, io.EOF) && !s.seen && len(p) > 0 {
		return n, wire.NewConnectionError("shell stream", io.EOF)
	}

	return n, err
}

func (s *streamRW) Write(p []byte) (int, error) {
	var n int
	err := s.conn.Run(s.ctx, func(rw io.ReadWriter) error {
		var err error
		n, err = rw.Write(p)

		return err
	})

	return n, err
}
