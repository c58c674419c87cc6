package transfer

import (
	"errors"
	"io"
)

const (
	// DefaultMaxChunk bounds a single write of SendRange.
	DefaultMaxChunk = 1024 * 1024
	// receiveBufferSize bounds a single read of ReceiveRange.
	receiveBufferSize = 32 * 1024
)

// ProgressSink receives (bytes done, bytes total) after every read of a
// download. Implementations must not block.
type ProgressSink interface {
	OnProgress(done, total uint64)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(done, total uint64)

func (f ProgressFunc) OnProgress(done, total uint64) { f(done, total) }

// NopProgress discards progress reports.
type NopProgress struct{}

func (NopProgress) OnProgress(uint64, uint64) {}

// SendRange writes exactly length bytes of file, starting at start, to sink.
// Each write is at most maxChunk bytes. The length itself is never written;
// the caller has already sent it as the offer. A source that ends before
// start+length is reported as ErrSizeRace.
func SendRange(file io.ReadSeeker, start, length uint64, sink io.Writer, maxChunk int) (uint64, error) {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunk
	}
	if _, err := file.Seek(int64(start), io.SeekStart); err != nil {
		return 0, newError(ErrIO, "seek source", err)
	}

	bufSize := uint64(maxChunk)
	if length < bufSize {
		bufSize = length
	}
	buf := make([]byte, bufSize)

	var sent uint64
	for sent < length {
		chunk := buf
		if left := length - sent; left < uint64(len(chunk)) {
			chunk = chunk[:left]
		}
		if _, err := io.ReadFull(file, chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return sent, newError(ErrSizeRace, "read source", err)
			}
			return sent, newError(ErrIO, "read source", err)
		}
		if err := writeFull(sink, chunk); err != nil {
			return sent, newError(ErrIO, "send chunk", err)
		}
		sent += uint64(len(chunk))
	}
	return sent, nil
}

// ReceiveRange copies exactly expected bytes from source to sink, reporting
// progress after every read. Bytes that arrived before a failure are kept in
// sink so the next attempt can resume after them.
func ReceiveRange(source io.Reader, expected uint64, sink io.Writer, progress ProgressSink) (uint64, error) {
	if progress == nil {
		progress = NopProgress{}
	}

	bufSize := uint64(receiveBufferSize)
	if expected < bufSize {
		bufSize = expected
	}
	buf := make([]byte, bufSize)

	var done uint64
	for done < expected {
		want := buf
		if left := expected - done; left < uint64(len(want)) {
			want = want[:left]
		}
		n, err := source.Read(want)
		if n > 0 {
			if werr := writeFull(sink, want[:n]); werr != nil {
				return done, newError(ErrIO, "append", werr)
			}
			done += uint64(n)
			progress.OnProgress(done, expected)
		}
		if err != nil {
			if done == expected {
				break
			}
			if errors.Is(err, io.EOF) {
				return done, newError(ErrTruncated, "receive", io.ErrUnexpectedEOF)
			}
			return done, newError(ErrIO, "receive", err)
		}
	}
	return done, nil
}

// writeFull keeps writing until p is flushed, accumulating short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
