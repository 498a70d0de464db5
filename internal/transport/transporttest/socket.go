// Package transporttest provides an in-memory adb server for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/adbwire/internal/transport"
	"github.com/skobkin/adbwire/internal/wire"
)

// Handler serves one client connection. It runs on its own goroutine and the server side
// of the pipe is closed when it returns.
type Handler func(server net.Conn)

// Socket is a transport.Socket backed by net.Pipe. Every Connect starts a new Handler run,
// so clones and reconnects see a fresh server.
type Socket struct {
	handler Handler
	dials   *atomic.Int32
	// ConnectErr, when set, is returned by Connect instead of dialing.
	ConnectErr func(attempt int) error

	mu   sync.Mutex
	conn net.Conn
	wg   *sync.WaitGroup
}

func NewSocket(handler Handler) *Socket {
	return &Socket{handler: handler, dials: &atomic.Int32{}, wg: &sync.WaitGroup{}}
}

func (s *Socket) Name() string {
	return "fake"
}

func (s *Socket) Endpoint() string {
	return "pipe"
}

// Dials counts Connect calls across this socket and its clones.
func (s *Socket) Dials() int {
	return int(s.dials.Load())
}

// Wait blocks until every handler started through this socket or its clones returned.
func (s *Socket) Wait() {
	s.wg.Wait()
}

func (s *Socket) Clone() transport.Socket {
	return &Socket{handler: s.handler, dials: s.dials, ConnectErr: s.ConnectErr, wg: s.wg}
}

func (s *Socket) Connect(ctx context.Context) error {
	attempt := int(s.dials.Add(1))
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ConnectErr != nil {
		if err := s.ConnectErr(attempt); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	client, server := net.Pipe()
	s.conn = client
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = server.Close() }()
		s.handler(server)
	}()

	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil

	return err
}

func (s *Socket) Read(p []byte) (int, error) {
	conn, err := s.current()
	if err != nil {
		return 0, err
	}
	n, err := conn.Read(p)
	if errors.Is(err, io.ErrClosedPipe) {
		return n, io.EOF
	}

	return n, err
}

func (s *Socket) Write(p []byte) (int, error) {
	conn, err := s.current()
	if err != nil {
		return 0, err
	}

	return conn.Write(p)
}

func (s *Socket) SetDeadline(t time.Time) error {
	conn, err := s.current()
	if err != nil {
		return err
	}

	return conn.SetDeadline(t)
}

func (s *Socket) current() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, wire.NewConnectionError("fake socket", net.ErrClosed)
	}

	return s.conn, nil
}

// ReadRequest reads one framed host request from the client.
func ReadRequest(r io.Reader) (string, error) {
	return wire.ReadHexString(r)
}

// ExpectRequest reads one request and fails when it differs from want.
func ExpectRequest(r io.Reader, want string) error {
	got, err := ReadRequest(r)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	if got != want {
		return fmt.Errorf("unexpected request: got %q want %q", got, want)
	}

	return nil
}

func WriteOkay(w io.Writer) error {
	_, err := io.WriteString(w, wire.StatusOkay)

	return err
}

func WriteFail(w io.Writer, message string) error {
	if _, err := io.WriteString(w, wire.StatusFail); err != nil {
		return err
	}

	return WriteString(w, message)
}

// WriteString writes a hex-length-prefixed payload.
func WriteString(w io.Writer, payload string) error {
	head := fmt.Sprintf("%04x", len(payload))
	_, err := io.WriteString(w, head+payload)

	return err
}

// Serve answers requests in order: each reply is either "OKAY", "FAIL:<message>" or a raw
// string written verbatim. It stops at the first mismatch.
func Serve(t interface{ Errorf(string, ...any) }, script ...Exchange) Handler {
	return func(server net.Conn) {
		for _, ex := range script {
			if err := ExpectRequest(server, ex.Request); err != nil {
				t.Errorf("%v", err)

				return
			}
			for _, reply := range ex.Replies {
				if err := reply(server); err != nil {
					return
				}
			}
		}
		if len(script) > 0 && script[len(script)-1].Hold {
			_, _ = io.Copy(io.Discard, server)
		}
	}
}

// Exchange is one scripted request and the replies written for it.
type Exchange struct {
	Request string
	Replies []func(w io.Writer) error
	// Hold keeps the server side open after the last reply until the client closes.
	Hold bool
}

func Okay() func(io.Writer) error {
	return WriteOkay
}

func Fail(message string) func(io.Writer) error {
	return func(w io.Writer) error { return WriteFail(w, message) }
}

func String(payload string) func(io.Writer) error {
	return func(w io.Writer) error { return WriteString(w, payload) }
}

func Raw(payload []byte) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := w.Write(payload)

		return err
	}
}
