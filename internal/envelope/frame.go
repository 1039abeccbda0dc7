package envelope

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single framed envelope. SDP blobs with many media
// sections stay well below this.
const MaxFrameSize = 1 << 20

// FrameReader splits a byte stream into newline-terminated frames.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader returns a reader yielding one frame per line of r.
func NewFrameReader(r io.Reader) *FrameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	return &FrameReader{scanner: s}
}

// Next returns the next non-empty frame. The returned slice is owned by the
// caller. io.EOF is returned when the stream ends cleanly.
func (fr *FrameReader) Next() ([]byte, error) {
	for fr.scanner.Scan() {
		line := bytes.TrimRight(fr.scanner.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}

	if err := fr.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("frame exceeds %d bytes: %w", MaxFrameSize, err)
		}
		return nil, err
	}
	return nil, io.EOF
}

// FrameWriter writes newline-terminated frames. Safe for concurrent use.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter returns a writer framing each call to WriteFrame as one line.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes frame followed by a newline. Frames containing a newline
// are rejected since they could not be split symmetrically.
func (fw *FrameWriter) WriteFrame(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return errors.New("frame contains a newline")
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(buf)
	return err
}
