package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/skobkin/adbwire/internal/wire"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 5037

	defaultDialTimeout = 6 * time.Second
)

var errNotConnected = errors.New("socket is not connected")

// TCPSocket talks to the adb server over TCP.
type TCPSocket struct {
	host        string
	port        int
	dialTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPSocket returns a socket for host:port. Empty values fall back to 127.0.0.1:5037.
func NewTCPSocket(host string, port int, logger *slog.Logger) *TCPSocket {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}

	return &TCPSocket{
		host:        host,
		port:        port,
		dialTimeout: defaultDialTimeout,
		logger:      componentLogger(logger, "tcp", "target", net.JoinHostPort(host, strconv.Itoa(port))),
	}
}

// SetDialTimeout bounds Connect; non-positive values keep the default.
func (s *TCPSocket) SetDialTimeout(d time.Duration) {
	if d > 0 {
		s.dialTimeout = d
	}
}

func (s *TCPSocket) Name() string {
	return "tcp"
}

func (s *TCPSocket) Endpoint() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func (s *TCPSocket) Clone() Socket {
	return &TCPSocket{
		host:        s.host,
		port:        s.port,
		dialTimeout: s.dialTimeout,
		logger:      s.logger,
	}
}

func (s *TCPSocket) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.logger.Debug("connect skipped: already connected")

		return nil
	}

	dialer := net.Dialer{Timeout: s.dialTimeout}
	s.logger.Debug("connecting")
	conn, err := dialer.DialContext(ctx, "tcp", s.Endpoint())
	if err != nil {
		s.logger.Warn("connect failed", "error", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return wire.NewConnectionError("dial adb server", err)
	}
	s.conn = conn
	s.logger.Debug("connected", "local", conn.LocalAddr().String())

	return nil
}

func (s *TCPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		s.logger.Warn("close failed", "error", err)

		return err
	}
	s.logger.Debug("closed")

	return nil
}

func (s *TCPSocket) Read(p []byte) (int, error) {
	conn, err := s.currentConn()
	if err != nil {
		return 0, err
	}

	return conn.Read(p)
}

func (s *TCPSocket) Write(p []byte) (int, error) {
	conn, err := s.currentConn()
	if err != nil {
		return 0, err
	}

	return conn.Write(p)
}

func (s *TCPSocket) SetDeadline(t time.Time) error {
	conn, err := s.currentConn()
	if err != nil {
		return err
	}

	return conn.SetDeadline(t)
}

func (s *TCPSocket) currentConn() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, wire.NewConnectionError("tcp socket", errNotConnected)
	}

	return s.conn, nil
}
