package filesync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/transport"
	"github.com/skobkin/adbwire/internal/wire"
)

var (
	// ErrNotFound is returned by Stat for missing paths. It also matches fs.ErrNotExist.
	ErrNotFound = fmt.Errorf("remote path not found: %w", fs.ErrNotExist)
	// ErrBusy is returned when an operation starts while another one is in progress.
	ErrBusy = errors.New("sync service is busy")
	// ErrClosed is returned after the service was closed or its connection broke.
	ErrClosed = errors.New("sync service is closed")
	// ErrPathTooLong is returned for remote paths longer than MaxPathLength.
	ErrPathTooLong = errors.New("remote path too long")
	// ErrNotSyncMode is returned by New for connections that did not switch into sync mode.
	ErrNotSyncMode = errors.New("connection is not in sync mode")
	// ErrListConsumed is yielded when a List sequence is iterated a second time.
	ErrListConsumed = errors.New("list sequence already consumed")
)

const errnoENOENT = 2

// ErrnoError is a non-zero errno reported in a v2 stat record.
type ErrnoError struct {
	Path  string
	Errno uint32
}

func (e *ErrnoError) Error() string {
	return fmt.Sprintf("stat %s: errno %d", e.Path, e.Errno)
}

func (e *ErrnoError) Is(target error) bool {
	return e.Errno == errnoENOENT && (target == ErrNotFound || target == fs.ErrNotExist)
}

// ProgressFunc receives the cumulative number of bytes transferred after each chunk.
// It runs on the transferring goroutine.
type ProgressFunc func(transferred int64)

// Service runs sync operations on one connection, strictly one at a time.
type Service struct {
	conn   *transport.Conn
	logger *slog.Logger

	busy   atomic.Bool
	broken error
	// pendingList is set when a List consumer stopped before DONE.
	pendingList bool
}

// Open selects target on conn and switches it into sync mode.
func Open(ctx context.Context, conn *transport.Conn, target transport.Target) (*Service, error) {
	if err := conn.SelectDevice(ctx, target); err != nil {
		return nil, err
	}
	if err := conn.RequestSync(ctx); err != nil {
		return nil, err
	}

	return New(conn)
}

// New wraps a connection that already switched into sync mode.
func New(conn *transport.Conn) (*Service, error) {
	if conn.Mode() != transport.ModeSync {
		return nil, ErrNotSyncMode
	}

	return &Service{conn: conn, logger: conn.Logger().With("service", "sync")}, nil
}

// Stat returns the v1 stat record of path. A zero mode is reported as ErrNotFound.
func (s *Service) Stat(ctx context.Context, path string) (adb.FileStatistics, error) {
	var out adb.FileStatistics
	err := s.do(ctx, path, func(rw io.ReadWriter) error {
		if err := writeRequest(rw, CmdStat, path); err != nil {
			return err
		}
		cmd, err := readCommand(rw)
		if err != nil {
			return err
		}
		switch cmd {
		case CmdStat:
		case CmdFail:
			return readFailure(rw)
		default:
			return &wire.ProtocolError{Op: "stat", Got: cmd.String()}
		}

		var rec [statV1Size]byte
		if err := wire.ReadFull(rw, rec[:], "read stat"); err != nil {
			return err
		}
		out = decodeStatV1(path, rec[:])

		return nil
	})
	if err != nil {
		return adb.FileStatistics{}, err
	}
	if out.Mode == 0 {
		return adb.FileStatistics{}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
	}

	return out, nil
}

// StatV2 returns the extended stat record of path, following symlinks.
func (s *Service) StatV2(ctx context.Context, path string) (adb.FileStatisticsV2, error) {
	return s.statV2(ctx, CmdStat2, path)
}

// LstatV2 is StatV2 without following a trailing symlink.
func (s *Service) LstatV2(ctx context.Context, path string) (adb.FileStatisticsV2, error) {
	return s.statV2(ctx, CmdLstat2, path)
}

func (s *Service) statV2(ctx context.Context, req Command, path string) (adb.FileStatisticsV2, error) {
	var (
		out   adb.FileStatisticsV2
		errno uint32
	)
	err := s.do(ctx, path, func(rw io.ReadWriter) error {
		if err := writeRequest(rw, req, path); err != nil {
			return err
		}
		cmd, err := readCommand(rw)
		if err != nil {
			return err
		}
		switch cmd {
		case req:
		case CmdFail:
			return readFailure(rw)
		default:
			return &wire.ProtocolError{Op: req.String(), Got: cmd.String()}
		}

		var rec [statV2Size]byte
		if err := wire.ReadFull(rw, rec[:], "read stat v2"); err != nil {
			return err
		}
		out, errno = decodeStatV2(path, rec[:])

		return nil
	})
	if err != nil {
		return adb.FileStatisticsV2{}, err
	}
	if errno != 0 {
		return adb.FileStatisticsV2{}, &ErrnoError{Path: path, Errno: errno}
	}

	return out, nil
}

// List returns the entries of the remote directory path. The sequence is lazy and can be
// iterated once; breaking out early is allowed and the remaining entries are discarded
// before the next operation.
func (s *Service) List(ctx context.Context, path string) iter.Seq2[adb.FileStatistics, error] {
	var used atomic.Bool

	return func(yield func(adb.FileStatistics, error) bool) {
		if used.Swap(true) {
			yield(adb.FileStatistics{}, ErrListConsumed)

			return
		}

		var stopped bool
		err := s.do(ctx, path, func(rw io.ReadWriter) error {
			if err := writeRequest(rw, CmdList, path); err != nil {
				return err
			}
			for {
				entry, done, err := readDent(rw)
				if err != nil || done {
					return err
				}
				if !yield(entry, nil) {
					stopped = true
					s.pendingList = true

					return nil
				}
			}
		})
		if err != nil && !stopped {
			yield(adb.FileStatistics{}, err)
		}
	}
}

// ListAll collects List into a slice.
func (s *Service) ListAll(ctx context.Context, path string) ([]adb.FileStatistics, error) {
	var out []adb.FileStatistics
	for entry, err := range s.List(ctx, path) {
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}

	return out, nil
}

// readDent reads one DENT record or the terminating DONE.
func readDent(r io.Reader) (adb.FileStatistics, bool, error) {
	cmd, err := readCommand(r)
	if err != nil {
		return adb.FileStatistics{}, false, err
	}
	switch cmd {
	case CmdDent, CmdDone:
	case CmdFail:
		return adb.FileStatistics{}, false, readFailure(r)
	default:
		return adb.FileStatistics{}, false, &wire.ProtocolError{Op: "list", Got: cmd.String()}
	}

	var rec [dentSize]byte
	if err := wire.ReadFull(r, rec[:], "read dent"); err != nil {
		return adb.FileStatistics{}, false, err
	}
	if cmd == CmdDone {
		return adb.FileStatistics{}, true, nil
	}

	nameLen := binary.LittleEndian.Uint32(rec[12:16])
	if nameLen > MaxPathLength {
		return adb.FileStatistics{}, false, &wire.ProtocolError{Op: "read dent name length", Got: strconv.FormatUint(uint64(nameLen), 10)}
	}
	name := make([]byte, nameLen)
	if err := wire.ReadFull(r, name, "read dent name"); err != nil {
		return adb.FileStatistics{}, false, err
	}

	return decodeStatV1(string(name), rec[:statV1Size]), false, nil
}

// Pull streams the remote file path into sink. On failure, whatever was already written
// to sink stays there.
func (s *Service) Pull(ctx context.Context, path string, sink io.Writer, progress ProgressFunc) error {
	return s.do(ctx, path, func(rw io.ReadWriter) error {
		if err := writeRequest(rw, CmdRecv, path); err != nil {
			return err
		}

		buf := make([]byte, MaxChunkSize)
		var total int64
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			cmd, err := readCommand(rw)
			if err != nil {
				return err
			}
			switch cmd {
			case CmdDone:
				// DONE carries an unused 4 byte field.
				_, err := readUint32(rw, "read done")

				return err
			case CmdFail:
				return readFailure(rw)
			case CmdData:
			default:
				return &wire.ProtocolError{Op: "pull", Got: cmd.String()}
			}

			n, err := readUint32(rw, "read data length")
			if err != nil {
				return err
			}
			if n > MaxChunkSize {
				return &wire.ProtocolError{Op: "read data length", Got: strconv.FormatUint(uint64(n), 10)}
			}
			chunk := buf[:n]
			if err := wire.ReadFull(rw, chunk, "read data"); err != nil {
				return err
			}
			if _, err := sink.Write(chunk); err != nil {
				return fmt.Errorf("write sink: %w", err)
			}
			total += int64(n)
			if progress != nil {
				progress(total)
			}
		}
	})
}

// Push uploads source to the remote path with the given mode and modification time and
// waits for the device to confirm. A mode without type bits is sent as a regular file.
func (s *Service) Push(ctx context.Context, source io.Reader, path string, mode adb.FileMode, mtime time.Time, progress ProgressFunc) error {
	if mode.Type() == 0 {
		mode |= adb.ModeRegular
	}
	arg := path + "," + strconv.FormatUint(uint64(mode), 10)

	return s.do(ctx, path, func(rw io.ReadWriter) error {
		if err := writeRequest(rw, CmdSend, arg); err != nil {
			return err
		}

		const headerSize = 8
		buf := make([]byte, headerSize+MaxChunkSize)
		var total int64
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, rerr := io.ReadFull(source, buf[headerSize:])
			if n > 0 {
				// #nosec G115 -- n is bounded by MaxChunkSize.
				appendHeader(buf[:0], CmdData, uint32(n))
				if _, err := rw.Write(buf[:headerSize+n]); err != nil {
					return wire.NewConnectionError("write data", err)
				}
				total += int64(n)
				if progress != nil {
					progress(total)
				}
			}
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			if rerr != nil {
				return fmt.Errorf("read source: %w", rerr)
			}
		}

		if _, err := rw.Write(appendHeader(nil, CmdDone, toUnix32(mtime))); err != nil {
			return wire.NewConnectionError("write done", err)
		}

		cmd, err := readCommand(rw)
		if err != nil {
			return err
		}
		switch cmd {
		case CmdOkay:
			_, err := readUint32(rw, "read okay")

			return err
		case CmdFail:
			return readFailure(rw)
		default:
			return &wire.ProtocolError{Op: "push", Got: cmd.String()}
		}
	})
}

// Quit ends the sync session and closes the connection.
func (s *Service) Quit(ctx context.Context) error {
	err := s.do(ctx, "", func(rw io.ReadWriter) error {
		if _, err := rw.Write(appendHeader(nil, CmdQuit, 0)); err != nil {
			return wire.NewConnectionError("write quit", err)
		}

		return nil
	})
	closeErr := s.Close()
	if err != nil {
		return err
	}

	return closeErr
}

// Close closes the underlying connection.
func (s *Service) Close() error {
	if s.broken == nil {
		s.broken = ErrClosed
	}

	return s.conn.Close()
}

// do runs one operation with the busy guard held. Any failure other than a server FAIL
// leaves the connection in an unknown position and closes it.
func (s *Service) do(ctx context.Context, path string, op func(rw io.ReadWriter) error) error {
	if len(path) > MaxPathLength {
		return fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(path))
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	if s.broken != nil {
		return fmt.Errorf("%w: %w", ErrClosed, s.broken)
	}

	err := s.conn.Run(ctx, func(rw io.ReadWriter) error {
		if s.pendingList {
			if err := drainList(rw); err != nil {
				return err
			}
			s.pendingList = false
		}

		return op(rw)
	})
	if err != nil {
		if _, ok := wire.IsServerError(err); !ok {
			s.broken = err
			_ = s.conn.Close()
		}
		s.logger.Debug("sync operation failed", "path", path, "error", err)

		return err
	}

	return nil
}

func drainList(r io.Reader) error {
	for {
		_, done, err := readDent(r)
		if err != nil || done {
			return err
		}
	}
}
