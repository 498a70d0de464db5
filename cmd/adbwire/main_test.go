package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skobkin/adbwire/internal/adb"
	"github.com/skobkin/adbwire/internal/app"
	"github.com/skobkin/adbwire/internal/config"
	"github.com/skobkin/adbwire/internal/events"
	"github.com/skobkin/adbwire/internal/shell"
	"github.com/skobkin/adbwire/internal/transport/transporttest"
)

type replies = []func(io.Writer) error

var (
	okay = transporttest.Okay
	str  = transporttest.String
)

func selectEmulator() transporttest.Exchange {
	return transporttest.Exchange{Request: "host:transport:emulator-5554", Replies: replies{okay()}}
}

// run executes args against a fake adb server that answers every connection with script.
func run(t *testing.T, args []string, script ...transporttest.Exchange) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))
	t.Setenv(config.EnvServerHost, "")
	t.Setenv(config.EnvServerPort, "")
	t.Setenv(config.EnvAndroidServerPort, "")
	t.Setenv(envAndroidSerial, "")

	sock := transporttest.NewSocket(transporttest.Serve(t, script...))
	t.Cleanup(sock.Wait)

	var stdout bytes.Buffer
	opts := &app.Options{Console: io.Discard, Socket: sock}
	err := execute(context.Background(), opts, args, strings.NewReader(""), &stdout, io.Discard)

	return stdout.String(), err
}

func TestDevicesLong(t *testing.T) {
	list := "emulator-5554\tdevice product:sdk_gphone64 model:sdk_gphone64_x86_64 device:emu64x transport_id:1\n" +
		"R58M1234\tunauthorized usb:1-1 transport_id:2\n"
	out, err := run(t, []string{"devices", "-l"}, transporttest.Exchange{Request: "host:devices-l", Replies: replies{okay(), str(list)}})

	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "SERIAL")
	require.Regexp(t, `^emulator-5554\s+device\s+sdk_gphone64_x86_64\s+sdk_gphone64\s+1$`, lines[1])
	require.Regexp(t, `^R58M1234\s+unauthorized\s+-\s+-\s+2$`, lines[2])
}

func TestVersionReportsServer(t *testing.T) {
	out, err := run(t, []string{"version"}, transporttest.Exchange{Request: "host:version", Replies: replies{okay(), str("0029")}})

	require.NoError(t, err)
	require.Contains(t, out, "adb server v1.0.41")
}

func TestShellLegacyStreamsFilteredOutput(t *testing.T) {
	out, err := run(t, []string{"-s", "emulator-5554", "shell", "getprop", "ro.product.model"},
		selectEmulator(),
		transporttest.Exchange{
			Request: "shell:getprop ro.product.model",
			Replies: replies{okay(), transporttest.Raw([]byte("Pixel 7\r\n"))},
		},
	)

	require.NoError(t, err)
	require.Equal(t, "Pixel 7\n", out)
}

func TestShellV2PropagatesExitCode(t *testing.T) {
	var packets bytes.Buffer
	require.NoError(t, shell.WritePacket(&packets, shell.PacketStdout, []byte("out\n")))
	require.NoError(t, shell.WritePacket(&packets, shell.PacketExit, []byte{3}))

	out, err := run(t, []string{"-s", "emulator-5554", "shell", "--v2", "ls", "-l", "/nope"},
		selectEmulator(),
		transporttest.Exchange{Request: "shell,v2:ls -l /nope", Replies: replies{okay(), transporttest.Raw(packets.Bytes())}},
	)

	var exitErr *exitCodeError
	require.True(t, errors.As(err, &exitErr), "expected exit code error, got %v", err)
	require.Equal(t, 3, exitErr.code)
	require.Equal(t, "out\n", out)
}

func TestForwardAddPrintsAllocatedPort(t *testing.T) {
	out, err := run(t, []string{"-s", "emulator-5554", "forward", "add", "tcp:0", "tcp:8080"},
		transporttest.Exchange{
			Request: "host-serial:emulator-5554:forward:tcp:0;tcp:8080",
			Replies: replies{okay(), okay(), str("40123")},
		},
	)

	require.NoError(t, err)
	require.Equal(t, "40123\n", out)
}

func TestForwardListWithoutDeviceListsAll(t *testing.T) {
	out, err := run(t, []string{"forward", "list"},
		transporttest.Exchange{
			Request: "host:list-forward",
			Replies: replies{okay(), str("emulator-5554 tcp:6100 tcp:80\n")},
		},
	)

	require.NoError(t, err)
	require.Regexp(t, `^emulator-5554\s+tcp:6100\s+tcp:80\n$`, out)
}

func TestTargetRequiresSingleOnlineDevice(t *testing.T) {
	list := "emulator-5554\toffline\nR58M1234\tunauthorized\n"
	_, err := run(t, []string{"reboot"}, transporttest.Exchange{Request: "host:devices-l", Replies: replies{okay(), str(list)}})

	require.ErrorIs(t, err, errNoDevice)
}

func TestInvalidForwardSpecFailsBeforeDialing(t *testing.T) {
	_, err := run(t, []string{"-s", "emulator-5554", "forward", "add", "udp:1", "tcp:2"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown protocol")
}

func TestConfigShowReflectsFlags(t *testing.T) {
	out, err := run(t, []string{"--host", "10.1.1.1", "--port", "5038", "config", "show"})

	require.NoError(t, err)
	require.Contains(t, out, "host: 10.1.1.1")
	require.Contains(t, out, "port: 5038")
}

func TestHistoryDevicesOnEmptyDatabase(t *testing.T) {
	out, err := run(t, []string{"history", "devices"})

	require.NoError(t, err)
	require.Equal(t, "SERIAL", strings.Fields(out)[0])
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1)
}

func TestSplitHostPort(t *testing.T) {
	cases := []struct {
		in       string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{in: "192.168.1.20", wantHost: "192.168.1.20"},
		{in: "192.168.1.20:5555", wantHost: "192.168.1.20", wantPort: 5555},
		{in: "[fe80::1]:5555", wantHost: "fe80::1", wantPort: 5555},
		{in: "phone.lan:0", wantErr: true},
		{in: "phone.lan:http", wantErr: true},
	}

	for _, tc := range cases {
		host, port, err := splitHostPort(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}

			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.in, err)
		}
		if host != tc.wantHost || port != tc.wantPort {
			t.Fatalf("%q: got %q:%d, want %q:%d", tc.in, host, port, tc.wantHost, tc.wantPort)
		}
	}
}

func TestShellWithoutOutput(t *testing.T) {
	out, err := run(t, []string{"-s", "emulator-5554", "shell", "true"},
		selectEmulator(),
		transporttest.Exchange{Request: "shell:true", Replies: replies{okay()}},
	)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestTrackLineForListChange(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	line := newTrackLine(events.DeviceEvent{
		Kind:    events.DeviceListChanged,
		Devices: []adb.Device{{Serial: "a", State: adb.StateOnline}, {Serial: "b"}},
		At:      at,
	})

	data, err := json.Marshal(line)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"list_changed","devices":["a","b"],"at":"2026-03-01T12:00:00Z"}`, string(data))
}
