package backend

import (
	"bytes"
	"errors"
)

// DefaultMaxLineSize bounds a single inbound record.
const DefaultMaxLineSize = 16 << 20

// ErrLineTooLong is reported when the incomplete tail exceeds the maximum line
// size. The oversized record is discarded up to its terminating newline.
var ErrLineTooLong = errors.New("backend record exceeds maximum line size")

// lineBuffer reassembles newline-terminated records from arbitrary chunks.
type lineBuffer struct {
	max      int
	buf      []byte
	skipping bool
}

func newLineBuffer(max int) *lineBuffer {
	if max <= 0 {
		max = DefaultMaxLineSize
	}
	return &lineBuffer{max: max}
}

// Feed appends chunk and returns every complete line it produced, without the
// terminator and with one trailing '\r' removed. The returned slices are only
// valid until the next call to Feed. If the retained tail grows past the
// maximum, it is dropped and ErrLineTooLong is returned alongside any lines
// that were complete.
func (b *lineBuffer) Feed(chunk []byte) ([][]byte, error) {
	var (
		lines [][]byte
		err   error
	)

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if !b.skipping {
				b.buf = append(b.buf, chunk...)
			}
			break
		}

		seg := chunk[:i]
		chunk = chunk[i+1:]

		if b.skipping {
			b.skipping = false
			continue
		}

		var line []byte
		if len(b.buf) > 0 {
			b.buf = append(b.buf, seg...)
			line = b.buf
			b.buf = nil
		} else {
			line = seg
		}
		lines = append(lines, bytes.TrimSuffix(line, []byte{'\r'}))
	}

	if len(b.buf) > b.max {
		b.buf = nil
		b.skipping = true
		err = ErrLineTooLong
	}

	return lines, err
}

// Pending returns the number of buffered bytes awaiting a terminator.
func (b *lineBuffer) Pending() int { return len(b.buf) }
