// Package progress decodes the diagnostic stream written by the privileged helper.
package progress

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

// MaxLineSize bounds a single decoded line. A longer line stops decoding with
// bufio.ErrTooLong; the rest of the stream is left unread.
const MaxLineSize = 1 << 20

// Decoder splits a byte stream into logical lines. Either '\r' or '\n' ends a
// line and runs of separators never produce empty lines, so carriage-return
// progress redraws decode one line per redraw.
type Decoder struct {
	scanner *bufio.Scanner
	err     error
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxLineSize)
	s.Split(ScanLines)
	return &Decoder{scanner: s}
}

// Lines yields each decoded line in stream order. The sequence can be ranged
// over once; a trailing unterminated chunk is yielded as the last line, and a
// read failure yields whatever was buffered before ending the sequence.
func (d *Decoder) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		for d.scanner.Scan() {
			if !yield(strings.ToValidUTF8(d.scanner.Text(), "\uFFFD")) {
				return
			}
		}
		d.err = d.scanner.Err()
	}
}

// Err returns the read error that ended decoding, if any. It is nil after a
// clean end of stream.
func (d *Decoder) Err() error {
	return d.err
}

// ScanLines is a bufio.SplitFunc treating '\r' and '\n' as independent line
// terminators and skipping empty lines.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && isSeparator(data[start]) {
		start++
	}

	for i := start; i < len(data); i++ {
		if isSeparator(data[i]) {
			return i + 1, data[start:i], nil
		}
	}

	if atEOF {
		if len(data) > start {
			return len(data), data[start:], nil
		}
		return len(data), nil, nil
	}
	return start, nil, nil
}

func isSeparator(b byte) bool {
	return b == '\n' || b == '\r'
}
