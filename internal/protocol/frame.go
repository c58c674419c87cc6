package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the handshake token a client sends as its first frame.
const Version = "v0.0.0"

const (
	// HeaderSize is the length of the big-endian body length that precedes every frame.
	HeaderSize = 4
	// DefaultMaxFrameSize bounds a single frame body.
	DefaultMaxFrameSize = 64 * 1024
	// OfferSize is the length of the remaining-bytes prefix of a download response.
	OfferSize = 8
)

// Framing errors. They are local to one frame or session and never fatal to the process.
var (
	ErrMalformed       = errors.New("malformed frame")
	ErrIncomplete      = errors.New("incomplete frame")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// AppendFrame appends body to dst as a length-prefixed frame.
func AppendFrame(dst, body []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

// SplitFrame extracts the first frame body from buf. consumed is the number of
// bytes the frame occupied, header included. ErrIncomplete means the caller
// must read more bytes and try again; ErrMalformed means the declared length is
// outside 0..maxSize and the stream cannot be resynchronised.
func SplitFrame(buf []byte, maxSize int) (body []byte, consumed int, err error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrIncomplete
	}
	n := binary.BigEndian.Uint32(buf[:HeaderSize])
	if maxSize > 0 && uint64(n) > uint64(maxSize) {
		return nil, 0, fmt.Errorf("%w: declared length %d exceeds limit %d", ErrMalformed, n, maxSize)
	}
	end := HeaderSize + int(n)
	if len(buf) < end {
		return nil, 0, ErrIncomplete
	}
	return buf[HeaderSize:end], end, nil
}

// EncodeOffer returns the 8-byte prefix of a download response.
func EncodeOffer(remaining uint64) []byte {
	b := make([]byte, OfferSize)
	binary.BigEndian.PutUint64(b, remaining)
	return b
}

// DecodeOffer parses the 8-byte prefix of a download response.
func DecodeOffer(b []byte) (uint64, error) {
	if len(b) < OfferSize {
		return 0, ErrIncomplete
	}
	return binary.BigEndian.Uint64(b[:OfferSize]), nil
}
