package transfer

import (
	"errors"
	"fmt"
	"io"
)

// Error kinds. An *Error always matches exactly one of them with errors.Is.
var (
	ErrIO            = errors.New("transfer i/o failure")
	ErrTruncated     = errors.New("transfer truncated")
	ErrSizeRace      = errors.New("source shrank during transfer")
	ErrTooManyRounds = errors.New("too many negotiation rounds")
)

// Error reports a failed download attempt. It terminates the attempt; callers
// recover by re-stating the destination and negotiating again.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// RangeFetcher asks the source for everything after have bytes. The returned
// reader yields the payload; it is only read when remaining is non-zero.
type RangeFetcher interface {
	Fetch(have uint64) (remaining uint64, payload io.Reader, err error)
}

// Destination is the local file a download grows. Size is read before every
// negotiation round, so it is the only state the resume loop carries.
type Destination interface {
	Size() (uint64, error)
	OpenAppend() (io.WriteCloser, error)
}
