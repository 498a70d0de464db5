// Package shell adapts raw adb shell streams.
package shell

import (
	"bytes"
	"io"
)

const filterBufferSize = 32 * 1024

// Filter collapses the \r\n pairs the legacy shell service writes for every \n back to \n.
// A lone \r passes through. A \r that ends one read is held until the next byte is known,
// so the output does not depend on how the inner reader splits the stream.
type Filter struct {
	r   io.Reader
	buf []byte
	out []byte
	// pending is set when the last byte seen was a \r not yet emitted.
	pending bool
	err     error
}

func NewFilter(r io.Reader) *Filter {
	return &Filter{r: r}
}

func (f *Filter) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for len(f.out) == 0 {
		if f.err != nil {
			return 0, f.err
		}
		f.fill(len(p))
	}

	n := copy(p, f.out)
	f.out = f.out[n:]

	return n, nil
}

func (f *Filter) fill(want int) {
	if f.buf == nil {
		f.buf = make([]byte, filterBufferSize+1)
	}
	want = min(want, filterBufferSize)

	// buf[0] is reserved for a held \r.
	n, err := f.r.Read(f.buf[1 : 1+want])
	chunk := f.buf[1 : 1+n]
	if f.pending && n > 0 {
		f.buf[0] = '\r'
		chunk = f.buf[:n+1]
		f.pending = false
	}

	chunk = collapseCRLF(chunk)
	if err == nil && len(chunk) > 0 && chunk[len(chunk)-1] == '\r' {
		chunk = chunk[:len(chunk)-1]
		f.pending = true
	}
	if err != nil {
		if f.pending {
			chunk = append(chunk, '\r')
			f.pending = false
		}
		f.err = err
	}
	f.out = chunk
}

// collapseCRLF rewrites b in place, dropping the \r of every \r\n pair.
func collapseCRLF(b []byte) []byte {
	if bytes.IndexByte(b, '\r') < 0 {
		return b
	}
	w := 0
	for i := 0; i < len(b); i++ {
		if b[i] == '\r' && i+1 < len(b) && b[i+1] == '\n' {
			continue
		}
		b[w] = b[i]
		w++
	}

	return b[:w]
}
