package protocol

import (
	"errors"
	"io"
)

const minRead = 4 * 1024

// Decoder reads length-prefixed frames from a stream into a growable buffer.
// Bytes read past the end of a frame stay buffered and are returned by Read,
// so raw payloads that follow a frame on the same stream are never lost.
type Decoder struct {
	r       io.Reader
	buf     []byte
	maxSize int
}

// NewDecoder wraps r. maxSize bounds a frame body; zero means DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{r: r, maxSize: maxSize}
}

// Next returns the body of the next frame. io.EOF is returned only when the
// stream ends cleanly between frames; a stream ending inside a frame yields
// io.ErrUnexpectedEOF.
func (d *Decoder) Next() ([]byte, error) {
	for {
		body, n, err := SplitFrame(d.buf, d.maxSize)
		if err == nil {
			out := make([]byte, len(body))
			copy(out, body)
			d.buf = d.buf[n:]
			return out, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return nil, err
		}
		if err := d.fill(); err != nil {
			if errors.Is(err, io.EOF) && len(d.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// NextCommand reads and parses the next command frame.
func (d *Decoder) NextCommand() (Command, error) {
	body, err := d.Next()
	if err != nil {
		return Command{}, err
	}
	return ParseCommand(body)
}

// Read drains buffered bytes first and then reads from the underlying stream.
func (d *Decoder) Read(p []byte) (int, error) {
	if len(d.buf) > 0 {
		n := copy(p, d.buf)
		d.buf = d.buf[n:]
		return n, nil
	}
	return d.r.Read(p)
}

func (d *Decoder) fill() error {
	if cap(d.buf)-len(d.buf) < minRead {
		grown := make([]byte, len(d.buf), 2*cap(d.buf)+minRead)
		copy(grown, d.buf)
		d.buf = grown
	}
	for i := 0; i < 100; i++ {
		n, err := d.r.Read(d.buf[len(d.buf):cap(d.buf)])
		d.buf = d.buf[:len(d.buf)+n]
		if n > 0 {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return io.ErrNoProgress
}
