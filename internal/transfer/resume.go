package transfer

import (
	"errors"
	"fmt"
)

// DefaultMaxRounds bounds the negotiation rounds of one Resume call.
const DefaultMaxRounds = 1 << 16

type ResumeOptions struct {
	// MaxRounds stops a peer that keeps offering bytes forever. Zero means DefaultMaxRounds.
	MaxRounds int
	Progress  ProgressSink
}

// Result summarises one Resume call.
type Result struct {
	Rounds        int
	BytesReceived uint64
	FinalSize     uint64
}

// Resume grows dest until the source offers nothing more. Each round stats
// dest, asks for everything after its current size and appends exactly what
// was offered. It keeps no state beyond dest itself, so calling it again after
// a crash continues where the previous attempt stopped.
func Resume(fetcher RangeFetcher, dest Destination, opts ResumeOptions) (Result, error) {
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	progress := opts.Progress
	if progress == nil {
		progress = NopProgress{}
	}

	var res Result
	for {
		have, err := dest.Size()
		if err != nil {
			return res, newError(ErrIO, "stat destination", err)
		}
		res.FinalSize = have

		if res.Rounds >= maxRounds {
			return res, newError(ErrTooManyRounds, "resume", fmt.Errorf("stopped after %d rounds at %d bytes", res.Rounds, have))
		}
		res.Rounds++

		remaining, payload, err := fetcher.Fetch(have)
		if err != nil {
			var terr *Error
			if errors.As(err, &terr) {
				return res, err
			}
			return res, newError(ErrIO, "negotiate", err)
		}
		if remaining == 0 {
			return res, nil
		}

		w, err := dest.OpenAppend()
		if err != nil {
			return res, newError(ErrIO, "open destination", err)
		}
		n, err := ReceiveRange(payload, remaining, w, offsetProgress{sink: progress, base: have})
		closeErr := w.Close()
		res.BytesReceived += n
		res.FinalSize = have + n
		if err != nil {
			return res, err
		}
		if closeErr != nil {
			return res, newError(ErrIO, "close destination", closeErr)
		}
	}
}

// offsetProgress reports a round's progress relative to the whole file.
type offsetProgress struct {
	sink ProgressSink
	base uint64
}

func (p offsetProgress) OnProgress(done, total uint64) {
	p.sink.OnProgress(p.base+done, p.base+total)
}
