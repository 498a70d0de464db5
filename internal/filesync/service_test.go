package filesync_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/filesync"
	"github.com/skobkin/adbwire/internal/transport"
	"github.com/skobkin/adbwire/internal/transport/transporttest"
	"github.com/skobkin/adbwire/internal/wire"
)

type fakeFile struct {
	data  []byte
	mode  uint32
	mtime uint32
}

// fakeDevice is a minimal sync service backed by a map of absolute paths.
type fakeDevice struct {
	mu    sync.Mutex
	files map[string]fakeFile
	// corrupt makes STAT reply with an unknown tag.
	corrupt bool
	// stream makes RECV send DATA chunks until the client goes away.
	stream bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{files: map[string]fakeFile{}}
}

func (d *fakeDevice) handler(t *testing.T) transporttest.Handler {
	return func(server net.Conn) {
		if err := transporttest.ExpectRequest(server, "host:transport:emulator-5554"); err != nil {
			t.Errorf("%v", err)

			return
		}
		_ = transporttest.WriteOkay(server)
		if err := transporttest.ExpectRequest(server, "sync:"); err != nil {
			t.Errorf("%v", err)

			return
		}
		_ = transporttest.WriteOkay(server)

		for {
			tag, arg, err := readSyncRequest(server)
			if err != nil {
				return
			}
			switch tag {
			case "STAT":
				d.stat(server, arg)
			case "STA2", "LST2":
				d.statV2(server, tag, arg)
			case "LIST":
				d.list(server, arg)
			case "RECV":
				d.recv(server, arg)
			case "SEND":
				if err := d.send(server, arg); err != nil {
					return
				}
			case "QUIT":
				return
			default:
				t.Errorf("unexpected sync request %q", tag)

				return
			}
		}
	}
}

func readSyncRequest(r io.Reader) (string, string, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", "", err
	}
	n := binary.LittleEndian.Uint32(head[4:])
	if string(head[:4]) == "QUIT" {
		return "QUIT", "", nil
	}
	arg := make([]byte, n)
	if _, err := io.ReadFull(r, arg); err != nil {
		return "", "", err
	}

	return string(head[:4]), string(arg), nil
}

func record(tag string, values ...uint32) []byte {
	out := []byte(tag)
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, v)
	}

	return out
}

func (d *fakeDevice) lookup(path string) (fakeFile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[path]

	return f, ok
}

func (d *fakeDevice) stat(w io.Writer, path string) {
	if d.corrupt {
		_, _ = w.Write(record("XXXX", 0, 0, 0))

		return
	}
	f, ok := d.lookup(path)
	if !ok {
		_, _ = w.Write(record("STAT", 0, 0, 0))

		return
	}
	// #nosec G115 -- test data is small.
	_, _ = w.Write(record("STAT", f.mode, uint32(len(f.data)), f.mtime))
}

func (d *fakeDevice) statV2(w io.Writer, tag, path string) {
	rec := make([]byte, 68)
	f, ok := d.lookup(path)
	if !ok {
		binary.LittleEndian.PutUint32(rec[0:4], 2)
	} else {
		binary.LittleEndian.PutUint64(rec[12:20], 42)
		binary.LittleEndian.PutUint32(rec[20:24], f.mode)
		binary.LittleEndian.PutUint32(rec[24:28], 1)
		binary.LittleEndian.PutUint64(rec[36:44], uint64(len(f.data)))
		binary.LittleEndian.PutUint64(rec[52:60], uint64(f.mtime))
	}
	_, _ = w.Write(append([]byte(tag), rec...))
}

func (d *fakeDevice) list(w io.Writer, dir string) {
	d.mu.Lock()
	var names []string
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range d.files {
		rest, ok := strings.CutPrefix(p, prefix)
		if ok && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	files := d.files
	d.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		f := files[prefix+name]
		// #nosec G115 -- test data is small.
		rec := record("DENT", f.mode, uint32(len(f.data)), f.mtime, uint32(len(name)))
		_, _ = w.Write(append(rec, name...))
	}
	_, _ = w.Write(record("DONE", 0, 0, 0, 0))
}

func (d *fakeDevice) recv(w io.Writer, path string) {
	if d.stream {
		chunk := make([]byte, 1024)
		for {
			if _, err := w.Write(append(record("DATA", uint32(len(chunk))), chunk...)); err != nil {
				return
			}
		}
	}
	f, ok := d.lookup(path)
	if !ok {
		msg := "No such file or directory"
		_, _ = w.Write(append(record("FAIL", uint32(len(msg))), msg...))

		return
	}
	data := f.data
	for len(data) > 0 {
		n := min(len(data), filesync.MaxChunkSize)
		// #nosec G115 -- bounded by MaxChunkSize.
		_, _ = w.Write(append(record("DATA", uint32(n)), data[:n]...))
		data = data[n:]
	}
	_, _ = w.Write(record("DONE", 0))
}

func (d *fakeDevice) send(rw io.ReadWriter, arg string) error {
	comma := strings.LastIndexByte(arg, ',')
	path := arg[:comma]
	mode, _ := strconv.ParseUint(arg[comma+1:], 10, 32)

	var buf bytes.Buffer
	for {
		var head [8]byte
		if _, err := io.ReadFull(rw, head[:]); err != nil {
			return err
		}
		n := binary.LittleEndian.Uint32(head[4:])
		switch string(head[:4]) {
		case "DATA":
			if n > filesync.MaxChunkSize {
				msg := "chunk too large"
				_, _ = rw.Write(append(record("FAIL", uint32(len(msg))), msg...))

				return errors.New(msg)
			}
			if _, err := io.CopyN(&buf, rw, int64(n)); err != nil {
				return err
			}
		case "DONE":
			if strings.HasPrefix(path, "/system/") {
				msg := "Read-only file system"
				_, err := rw.Write(append(record("FAIL", uint32(len(msg))), msg...))

				return err
			}
			d.mu.Lock()
			d.files[path] = fakeFile{data: buf.Bytes(), mode: uint32(mode), mtime: n}
			d.mu.Unlock()
			_, err := rw.Write(record("OKAY", 0))

			return err
		default:
			return errors.New("unexpected record " + string(head[:4]))
		}
	}
}

func openService(t *testing.T, dev *fakeDevice) *filesync.Service {
	t.Helper()
	sock := transporttest.NewSocket(dev.handler(t))
	conn, err := transport.Dial(context.Background(), sock, nil)
	require.NoError(t, err)

	svc, err := filesync.Open(context.Background(), conn, transport.Target{Serial: "emulator-5554"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = svc.Close()
		sock.Wait()
	})

	return svc
}

func TestPushPullRoundTrip(t *testing.T) {
	dev := newFakeDevice()
	svc := openService(t, dev)
	ctx := context.Background()

	payload := make([]byte, 3*filesync.MaxChunkSize+123)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	mtime := time.Unix(1700000000, 0)

	var pushed []int64
	err = svc.Push(ctx, bytes.NewReader(payload), "/sdcard/blob.bin", 0o644, mtime, func(n int64) {
		pushed = append(pushed, n)
	})
	require.NoError(t, err)
	require.Len(t, pushed, 4)
	require.Equal(t, int64(len(payload)), pushed[len(pushed)-1])

	st, err := svc.Stat(ctx, "/sdcard/blob.bin")
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), st.Size)
	require.True(t, st.Mode.IsRegular())
	require.Equal(t, adb.FileMode(0o644), st.Mode.Perm())
	require.True(t, st.ModTime.Equal(mtime))

	var sink bytes.Buffer
	var pulled int64
	err = svc.Pull(ctx, "/sdcard/blob.bin", &sink, func(n int64) { pulled = n })
	require.NoError(t, err)
	require.Equal(t, payload, sink.Bytes())
	require.Equal(t, int64(len(payload)), pulled)
}

func TestPushEmptyFile(t *testing.T) {
	dev := newFakeDevice()
	svc := openService(t, dev)
	ctx := context.Background()

	require.NoError(t, svc.Push(ctx, strings.NewReader(""), "/sdcard/empty", 0o600, time.Unix(10, 0), nil))

	var sink bytes.Buffer
	require.NoError(t, svc.Pull(ctx, "/sdcard/empty", &sink, nil))
	require.Zero(t, sink.Len())
}

func TestStatNotFoundIsStable(t *testing.T) {
	svc := openService(t, newFakeDevice())

	for i := 0; i < 3; i++ {
		_, err := svc.Stat(context.Background(), "/sdcard/missing")
		require.ErrorIs(t, err, filesync.ErrNotFound)
		require.ErrorIs(t, err, fs.ErrNotExist)
		require.NotErrorIs(t, err, wire.ErrProtocol)
	}
}

func TestStatV2(t *testing.T) {
	dev := newFakeDevice()
	dev.files["/data/local/tmp/a"] = fakeFile{data: []byte("abc"), mode: 0o100755, mtime: 99}
	svc := openService(t, dev)
	ctx := context.Background()

	st, err := svc.StatV2(ctx, "/data/local/tmp/a")
	require.NoError(t, err)
	require.Equal(t, int64(3), st.Size)
	require.Equal(t, uint64(42), st.Inode)
	require.Equal(t, uint32(1), st.LinkCount)
	require.Equal(t, int64(99), st.ModTime.Unix())

	_, err = svc.LstatV2(ctx, "/data/local/tmp/missing")
	var errno *filesync.ErrnoError
	require.ErrorAs(t, err, &errno)
	require.Equal(t, uint32(2), errno.Errno)
	require.ErrorIs(t, err, filesync.ErrNotFound)
}

func TestListAndEarlyStop(t *testing.T) {
	dev := newFakeDevice()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		dev.files["/sdcard/"+name] = fakeFile{data: []byte(name), mode: 0o100644, mtime: 1}
	}
	dev.files["/sdcard/sub/deep.txt"] = fakeFile{mode: 0o100644}
	svc := openService(t, dev)
	ctx := context.Background()

	entries, err := svc.ListAll(ctx, "/sdcard")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a.txt", entries[0].Path)
	require.Equal(t, int64(len("c.txt")), entries[2].Size)

	var first string
	for entry, err := range svc.List(ctx, "/sdcard") {
		require.NoError(t, err)
		first = entry.Path

		break
	}
	require.Equal(t, "a.txt", first)

	// The rest of the listing is discarded before the next request.
	st, err := svc.Stat(ctx, "/sdcard/b.txt")
	require.NoError(t, err)
	require.Equal(t, int64(len("b.txt")), st.Size)
}

func TestListIsNotRestartable(t *testing.T) {
	svc := openService(t, newFakeDevice())
	seq := svc.List(context.Background(), "/sdcard")

	for _, err := range seq {
		require.NoError(t, err)
	}
	for _, err := range seq {
		require.ErrorIs(t, err, filesync.ErrListConsumed)
	}
}

func TestPullFailLeavesPartialSink(t *testing.T) {
	svc := openService(t, newFakeDevice())

	sink := bytes.NewBufferString("keep")
	err := svc.Pull(context.Background(), "/sdcard/missing", sink, nil)
	se, ok := wire.IsServerError(err)
	require.True(t, ok, "expected server error, got %v", err)
	require.Equal(t, "No such file or directory", se.Message)
	require.Equal(t, "keep", sink.String())
}

func TestPushRequiresOkay(t *testing.T) {
	svc := openService(t, newFakeDevice())

	err := svc.Push(context.Background(), strings.NewReader("x"), "/system/app.apk", 0o644, time.Now(), nil)
	se, ok := wire.IsServerError(err)
	require.True(t, ok, "expected server error, got %v", err)
	require.Equal(t, "Read-only file system", se.Message)
}

func TestUnknownTagBreaksService(t *testing.T) {
	dev := newFakeDevice()
	dev.corrupt = true
	svc := openService(t, dev)
	ctx := context.Background()

	_, err := svc.Stat(ctx, "/sdcard")
	require.ErrorIs(t, err, wire.ErrProtocol)

	_, err = svc.Stat(ctx, "/sdcard")
	require.ErrorIs(t, err, filesync.ErrClosed)
}

func TestPullCancelClosesConnection(t *testing.T) {
	dev := newFakeDevice()
	dev.stream = true
	svc := openService(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- svc.Pull(ctx, "/dev/zero", io.Discard, func(n int64) {
			if n >= 8*1024 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("pull did not stop after cancel")
	}

	_, err := svc.Stat(context.Background(), "/sdcard")
	require.ErrorIs(t, err, filesync.ErrClosed)
}

func TestOperationsAreSequential(t *testing.T) {
	dev := newFakeDevice()
	dev.files["/sdcard/f"] = fakeFile{data: []byte("hello"), mode: 0o100644}
	svc := openService(t, dev)
	ctx := context.Background()

	var nested error
	err := svc.Pull(ctx, "/sdcard/f", io.Discard, func(int64) {
		_, nested = svc.Stat(ctx, "/sdcard/f")
	})
	require.NoError(t, err)
	require.ErrorIs(t, nested, filesync.ErrBusy)
}

func TestPathTooLong(t *testing.T) {
	svc := openService(t, newFakeDevice())

	_, err := svc.Stat(context.Background(), "/"+strings.Repeat("a", filesync.MaxPathLength))
	require.ErrorIs(t, err, filesync.ErrPathTooLong)
}

func TestNewRequiresSyncMode(t *testing.T) {
	sock := transporttest.NewSocket(func(net.Conn) {})
	conn, err := transport.Dial(context.Background(), sock, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = filesync.New(conn)
	require.ErrorIs(t, err, filesync.ErrNotSyncMode)
}
