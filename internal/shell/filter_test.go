package shell

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func readAllFiltered(t *testing.T, r io.Reader) string {
	t.Helper()
	out, err := io.ReadAll(NewFilter(r))
	if err != nil {
		t.Fatalf("read filtered: %v", err)
	}

	return string(out)
}

func TestFilterCollapsesCRLF(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "leading pair", in: "\r\nHello", want: "\nHello"},
		{name: "lines", in: "a\r\nb\r\nc\r\n", want: "a\nb\nc\n"},
		{name: "lone carriage return", in: "progress\r50%\r\n", want: "progress\r50%\n"},
		{name: "double carriage return", in: "x\r\r\ny", want: "x\r\ny"},
		{name: "trailing carriage return", in: "end\r", want: "end\r"},
		{name: "no carriage return", in: "plain\ntext", want: "plain\ntext"},
		{name: "empty", in: "", want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := readAllFiltered(t, strings.NewReader(tc.in)); got != tc.want {
				t.Fatalf("single read: got %q want %q", got, tc.want)
			}
			if got := readAllFiltered(t, iotest.OneByteReader(strings.NewReader(tc.in))); got != tc.want {
				t.Fatalf("byte by byte: got %q want %q", got, tc.want)
			}
			if got := readAllFiltered(t, iotest.HalfReader(strings.NewReader(tc.in))); got != tc.want {
				t.Fatalf("half reads: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestFilterOneByteDestination(t *testing.T) {
	f := NewFilter(strings.NewReader("\r\nHello\r\n"))
	var out bytes.Buffer
	buf := make([]byte, 1)
	for {
		n, err := f.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if out.String() != "\nHello\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestFilterPropagatesErrors(t *testing.T) {
	boom := iotest.ErrTimeout
	r := io.MultiReader(strings.NewReader("a\r"), iotest.ErrReader(boom))

	out, err := io.ReadAll(NewFilter(r))
	if err != boom {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if string(out) != "a\r" {
		t.Fatalf("expected held carriage return to be flushed, got %q", out)
	}
}
