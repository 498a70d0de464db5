// Package client exposes one-shot adb server operations on top of transport.Conn.
// Every call opens its own connection and closes it before returning, except the
// Open* methods which hand the switched connection to the caller.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/filesync"
	"github.com/skobkin/adbwire/internal/monitor"
	"github.com/skobkin/adbwire/internal/shell"
	"github.com/skobkin/adbwire/internal/transport"
	"github.com/skobkin/adbwire/internal/wire"
)

// MinServerVersion is the oldest adb server release the client talks to.
const MinServerVersion = "v1.0.20"

var (
	ErrServerTooOld = errors.New("adb server version is too old")
	// ErrRootRefused is returned when adbd answered root:/unroot: without restarting.
	ErrRootRefused = errors.New("adbd refused to restart")
)

type Client struct {
	socket transport.Socket
	logger *slog.Logger
}

// New returns a client dialing clones of socket. socket itself is never connected.
func New(socket transport.Socket, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{socket: socket, logger: logger}
}

// Dial opens a fresh host-mode connection.
func (c *Client) Dial(ctx context.Context) (*transport.Conn, error) {
	return transport.Dial(ctx, c.socket.Clone(), c.logger)
}

func (c *Client) withConn(ctx context.Context, fn func(conn *transport.Conn) error) error {
	conn, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	return fn(conn)
}

func (c *Client) withDevice(ctx context.Context, target transport.Target, fn func(conn *transport.Conn) error) error {
	return c.withConn(ctx, func(conn *transport.Conn) error {
		if err := conn.SelectDevice(ctx, target); err != nil {
			return err
		}

		return fn(conn)
	})
}

// ServerVersion returns the adb server's internal version number (41 for 1.0.41).
func (c *Client) ServerVersion(ctx context.Context) (int, error) {
	var raw string
	err := c.withConn(ctx, func(conn *transport.Conn) error {
		var err error
		raw, err = conn.RequestString(ctx, "host:version")

		return err
	})
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(strings.TrimSpace(raw), 16, 32)
	if err != nil {
		return 0, &wire.ProtocolError{Op: "parse server version", Got: raw}
	}

	return int(v), nil
}

// CheckServerVersion fails with ErrServerTooOld when the server predates MinServerVersion.
func (c *Client) CheckServerVersion(ctx context.Context) (string, error) {
	v, err := c.ServerVersion(ctx)
	if err != nil {
		return "", err
	}
	version := ServerVersionString(v)
	if semver.Compare(version, MinServerVersion) < 0 {
		return version, fmt.Errorf("%w: %s < %s", ErrServerTooOld, version, MinServerVersion)
	}

	return version, nil
}

// ServerVersionString renders an internal version number as a semver string.
func ServerVersionString(v int) string {
	return "v1.0." + strconv.Itoa(v)
}

// KillServer asks the adb server to exit.
func (c *Client) KillServer(ctx context.Context) error {
	return c.withConn(ctx, func(conn *transport.Conn) error {
		return conn.Request(ctx, "host:kill")
	})
}

// Devices lists attached devices with their long-format attributes.
func (c *Client) Devices(ctx context.Context) ([]adb.Device, error) {
	var raw string
	err := c.withConn(ctx, func(conn *transport.Conn) error {
		var err error
		raw, err = conn.RequestString(ctx, "host:devices-l")

		return err
	})
	if err != nil {
		return nil, err
	}

	return adb.ParseDeviceList(raw)
}

// Connect asks the server to attach a network device. The server's answer text is returned
// as is; it reports failures such as "failed to connect" with an OKAY status.
func (c *Client) Connect(ctx context.Context, host string, port int) (string, error) {
	return c.hostString(ctx, "host:connect:"+hostPort(host, port))
}

func (c *Client) Disconnect(ctx context.Context, host string, port int) (string, error) {
	return c.hostString(ctx, "host:disconnect:"+hostPort(host, port))
}

// HostFeatures lists the features supported by the adb server itself.
func (c *Client) HostFeatures(ctx context.Context) ([]string, error) {
	raw, err := c.hostString(ctx, "host:host-features")
	if err != nil {
		return nil, err
	}

	return splitFeatures(raw), nil
}

// Features lists the features shared by the server and the device.
func (c *Client) Features(ctx context.Context, target transport.Target) ([]string, error) {
	raw, err := c.hostString(ctx, hostPrefix(target)+"features")
	if err != nil {
		return nil, err
	}

	return splitFeatures(raw), nil
}

func (c *Client) hostString(ctx context.Context, command string) (string, error) {
	var raw string
	err := c.withConn(ctx, func(conn *transport.Conn) error {
		var err error
		raw, err = conn.RequestString(ctx, command)

		return err
	})

	return raw, err
}

// CreateForward forwards local on the host to remote on the device. It returns the
// allocated port when local is tcp:0, zero otherwise.
func (c *Client) CreateForward(ctx context.Context, target transport.Target, local, remote adb.ForwardSpec, rebind bool) (int, error) {
	command := hostPrefix(target) + "forward:" + norebind(rebind) + local.String() + ";" + remote.String()

	var port int
	err := c.withConn(ctx, func(conn *transport.Conn) error {
		var err error
		port, err = requestForward(ctx, conn, command)

		return err
	})

	return port, err
}

func (c *Client) ListForwards(ctx context.Context, target transport.Target) ([]adb.Forward, error) {
	raw, err := c.hostString(ctx, hostPrefix(target)+"list-forward")
	if err != nil {
		return nil, err
	}

	return adb.ParseForwardList(raw)
}

func (c *Client) RemoveForward(ctx context.Context, target transport.Target, local adb.ForwardSpec) error {
	return c.withConn(ctx, func(conn *transport.Conn) error {
		return conn.Request(ctx, hostPrefix(target)+"killforward:"+local.String())
	})
}

func (c *Client) RemoveAllForwards(ctx context.Context, target transport.Target) error {
	return c.withConn(ctx, func(conn *transport.Conn) error {
		return conn.Request(ctx, hostPrefix(target)+"killforward-all")
	})
}

// CreateReverse forwards remote on the device back to local on the host.
func (c *Client) CreateReverse(ctx context.Context, target transport.Target, remote, local adb.ForwardSpec, rebind bool) (int, error) {
	command := "reverse:forward:" + norebind(rebind) + remote.String() + ";" + local.String()

	var port int
	err := c.withDevice(ctx, target, func(conn *transport.Conn) error {
		var err error
		port, err = requestForward(ctx, conn, command)

		return err
	})

	return port, err
}

func (c *Client) ListReverses(ctx context.Context, target transport.Target) ([]adb.Forward, error) {
	var raw string
	err := c.withDevice(ctx, target, func(conn *transport.Conn) error {
		var err error
		raw, err = conn.RequestString(ctx, "reverse:list-forward")

		return err
	})
	if err != nil {
		return nil, err
	}

	return adb.ParseForwardList(raw)
}

func (c *Client) RemoveReverse(ctx context.Context, target transport.Target, remote adb.ForwardSpec) error {
	return c.withDevice(ctx, target, func(conn *transport.Conn) error {
		return conn.Request(ctx, "reverse:killforward:"+remote.String())
	})
}

func (c *Client) RemoveAllReverses(ctx context.Context, target transport.Target) error {
	return c.withDevice(ctx, target, func(conn *transport.Conn) error {
		return conn.Request(ctx, "reverse:killforward-all")
	})
}

// Reboot restarts the device; into is "", "bootloader", "recovery" or "sideload".
func (c *Client) Reboot(ctx context.Context, target transport.Target, into string) error {
	return c.withDevice(ctx, target, func(conn *transport.Conn) error {
		return conn.Request(ctx, "reboot:"+into)
	})
}

// Root restarts adbd with root permissions. adbd goes away right after answering, so
// callers wait for the device before issuing new requests.
func (c *Client) Root(ctx context.Context, target transport.Target) error {
	return c.restartAdbd(ctx, target, "root:")
}

func (c *Client) Unroot(ctx context.Context, target transport.Target) error {
	return c.restartAdbd(ctx, target, "unroot:")
}

func (c *Client) restartAdbd(ctx context.Context, target transport.Target, command string) error {
	return c.withDevice(ctx, target, func(conn *transport.Conn) error {
		if err := conn.Request(ctx, command); err != nil {
			return err
		}
		reply, err := conn.ReadAll(ctx)
		if err != nil && len(reply) == 0 {
			return err
		}
		message := strings.TrimSpace(string(reply))
		if !strings.Contains(strings.ToLower(message), "restarting") {
			return fmt.Errorf("%w: %s", ErrRootRefused, message)
		}
		c.logger.Info("adbd restarting", "device", target.String(), "reply", message)

		return nil
	})
}

// RunShell runs command with the legacy shell service and returns its output with the
// \r\n line endings turned back into \n. A command that prints nothing yields "".
func (c *Client) RunShell(ctx context.Context, target transport.Target, command string) (string, error) {
	var out bytes.Buffer
	err := c.withDevice(ctx, target, func(conn *transport.Conn) error {
		stream, err := openShell(ctx, conn, command)
		if err != nil {
			return err
		}
		_, err = io.Copy(&out, shell.NewFilter(stream))
		if err != nil && !transport.IsEmptyStream(err) {
			return fmt.Errorf("read shell output: %w", err)
		}

		return nil
	})

	return out.String(), err
}

// RunShellV2 runs command with the v2 shell service, splitting its output streams, and
// returns the remote exit code.
func (c *Client) RunShellV2(ctx context.Context, target transport.Target, command string, stdout, stderr io.Writer) (int, error) {
	code := -1
	err := c.withDevice(ctx, target, func(conn *transport.Conn) error {
		if err := conn.RequestShell(ctx, command, transport.ShellV2); err != nil {
			return err
		}
		stream, err := conn.ShellStream(ctx)
		if err != nil {
			return err
		}
		code, err = shell.Demux(stream, stdout, stderr)

		return err
	})

	return code, err
}

// Shell is an interactive legacy shell session.
type Shell struct {
	io.Reader
	io.Writer
	conn *transport.Conn
}

func (s *Shell) Close() error {
	return s.conn.Close()
}

// OpenShell starts command and returns its filtered output stream; writes go to the
// remote stdin unchanged. The caller closes the session.
func (c *Client) OpenShell(ctx context.Context, target transport.Target, command string) (*Shell, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.SelectDevice(ctx, target); err != nil {
		_ = conn.Close()

		return nil, err
	}
	stream, err := openShell(ctx, conn, command)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	return &Shell{Reader: shell.NewFilter(stream), Writer: stream, conn: conn}, nil
}

// OpenSync returns a sync session on its own connection. Closing the session closes it.
func (c *Client) OpenSync(ctx context.Context, target transport.Target) (*filesync.Service, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := filesync.Open(ctx, conn, target)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	return svc, nil
}

// NewMonitor returns a device monitor dialing through this client.
func (c *Client) NewMonitor(opts ...monitor.Option) *monitor.Monitor {
	opts = append([]monitor.Option{monitor.WithLogger(c.logger)}, opts...)

	return monitor.New(c.Dial, opts...)
}

func openShell(ctx context.Context, conn *transport.Conn, command string) (io.ReadWriter, error) {
	if err := conn.RequestShell(ctx, command, transport.ShellLegacy); err != nil {
		return nil, err
	}

	return conn.ShellStream(ctx)
}

// requestForward handles the double OKAY of forward requests and the optional port string
// the server sends when it allocated the local port.
func requestForward(ctx context.Context, conn *transport.Conn, command string) (int, error) {
	if err := conn.Request(ctx, command); err != nil {
		return 0, err
	}
	resp, err := conn.ReadResponse(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", command, err)
	}
	if !resp.Okay {
		return 0, resp.Err()
	}

	rest, err := conn.ReadAll(ctx)
	if err != nil || len(rest) == 0 {
		return 0, nil
	}
	raw, err := wire.ReadHexString(bytes.NewReader(rest))
	if err != nil {
		return 0, nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, nil
	}

	return port, nil
}

func hostPrefix(target transport.Target) string {
	if target.TransportID != 0 {
		return "host-transport-id:" + strconv.FormatUint(target.TransportID, 10) + ":"
	}
	if target.Serial == "" {
		return "host:"
	}

	return "host-serial:" + target.Serial + ":"
}

func norebind(rebind bool) string {
	if rebind {
		return ""
	}

	return "norebind:"
}

func hostPort(host string, port int) string {
	if port <= 0 {
		return host
	}

	return host + ":" + strconv.Itoa(port)
}

func splitFeatures(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}

	return out
}
