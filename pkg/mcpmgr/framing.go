package mcpmgr

import (
	"bytes"
	"errors"
	"io"
	"iter"

	"github.com/vikashloomba/mcp-bridge-go/pkg/rpc"
)

// DefaultMaxLineSize caps one newline-delimited message from a backend.
const DefaultMaxLineSize = 4 << 20

const readChunkSize = 32 << 10

// LineReader splits a backend's stdout into newline-delimited JSON-RPC
// messages. A line split across reads is buffered until its newline arrives;
// a final line without a newline is still returned at EOF.
type LineReader struct {
	r     io.Reader
	max   int
	buf   []byte
	chunk []byte
	err   error
	// discarding is set while skipping the remainder of an over-long line.
	discarding bool
}

// NewLineReader returns a reader that yields lines of at most maxLine bytes.
func NewLineReader(r io.Reader, maxLine int) *LineReader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &LineReader{r: r, max: maxLine, chunk: make([]byte, readChunkSize)}
}

// Next returns the next non-blank line without its line terminator. It
// returns a *DecodeError wrapping ErrLineTooLong once per over-long line and
// keeps going afterwards; the underlying read error (io.EOF at end of stream)
// is returned once the buffer is drained.
func (lr *LineReader) Next() ([]byte, error) {
	for {
		if i := bytes.IndexByte(lr.buf, '\n'); i >= 0 {
			line := lr.buf[:i]
			skip := lr.discarding
			if !skip && len(line) > lr.max {
				lr.buf = append(lr.buf[:0], lr.buf[i+1:]...)
				return nil, &DecodeError{Err: ErrLineTooLong}
			}
			var out []byte
			if !skip {
				out = append([]byte(nil), bytes.TrimRight(line, "\r")...)
			}
			lr.buf = append(lr.buf[:0], lr.buf[i+1:]...)
			lr.discarding = false
			if skip || len(bytes.TrimSpace(out)) == 0 {
				continue
			}
			return out, nil
		}
		if len(lr.buf) > lr.max {
			lr.buf = lr.buf[:0]
			if !lr.discarding {
				lr.discarding = true
				return nil, &DecodeError{Err: ErrLineTooLong}
			}
			continue
		}
		if lr.err != nil {
			rest := lr.buf
			discarding := lr.discarding
			lr.buf, lr.discarding = nil, false
			if !discarding && len(bytes.TrimSpace(rest)) > 0 {
				return bytes.TrimRight(rest, "\r"), nil
			}
			return nil, lr.err
		}
		n, err := lr.r.Read(lr.chunk)
		lr.buf = append(lr.buf, lr.chunk[:n]...)
		if err != nil {
			lr.err = err
		}
	}
}

// Messages iterates over decoded messages. Lines that fail to parse are
// yielded as *DecodeError and iteration continues; any other read error ends
// the sequence after being yielded. io.EOF ends it silently. Ranging again
// resumes where the previous loop stopped.
func (lr *LineReader) Messages() iter.Seq2[*rpc.Message, error] {
	return func(yield func(*rpc.Message, error) bool) {
		for {
			line, err := lr.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				var de *DecodeError
				if errors.As(err, &de) {
					if !yield(nil, err) {
						return
					}
					continue
				}
				yield(nil, err)
				return
			}
			msg, err := rpc.Decode(line)
			if err != nil {
				if !yield(nil, &DecodeError{Line: line, Err: err}) {
					return
				}
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}
