package filesync

import (
	"errors"
	"testing"

	"github.com/skobkin/adbwire/internal/wire"
)

func TestCommandTagsRoundTrip(t *testing.T) {
	if len(commandTags) != 12 {
		t.Fatalf("expected 12 sync commands, got %d", len(commandTags))
	}
	for cmd := CmdStat; cmd <= CmdLstat2; cmd++ {
		tag := cmd.Bytes()
		got, err := ParseCommand(tag[:])
		if err != nil {
			t.Fatalf("parse %s: %v", cmd, err)
		}
		if got != cmd {
			t.Fatalf("round trip of %s gave %s", cmd, got)
		}
	}
}

func TestParseCommandRejectsUnknownTag(t *testing.T) {
	for _, tag := range []string{"NOPE", "stat", "LIS2", "DAT", ""} {
		_, err := ParseCommand([]byte(tag))
		if !errors.Is(err, wire.ErrProtocol) {
			t.Fatalf("ParseCommand(%q): expected protocol error, got %v", tag, err)
		}
	}
}

func TestDecodeStatV2(t *testing.T) {
	rec := make([]byte, statV2Size)
	rec[20] = 0xa4 // mode 0o100644 little endian
	rec[21] = 0x81
	rec[36] = 0x10 // size 16
	rec[52] = 0x01 // mtime 1

	st, errno := decodeStatV2("/x", rec)
	if errno != 0 {
		t.Fatalf("unexpected errno %d", errno)
	}
	if st.Mode != 0o100644 || st.Size != 16 || st.ModTime.Unix() != 1 {
		t.Fatalf("unexpected record: %+v", st)
	}
	if !st.AccessTime.IsZero() {
		t.Fatalf("expected zero access time, got %v", st.AccessTime)
	}
}
