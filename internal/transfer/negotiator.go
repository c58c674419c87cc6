package transfer

import "fmt"

// OfferStatus tells apart the cases the wire protocol collapses into a zero offer.
type OfferStatus int

const (
	OfferRemaining OfferStatus = iota
	OfferComplete
	OfferMissing
)

func (s OfferStatus) String() string {
	switch s {
	case OfferRemaining:
		return "remaining"
	case OfferComplete:
		return "complete"
	case OfferMissing:
		return "missing"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatFunc returns the current size of path, or an error when it cannot be resolved.
type StatFunc func(path string) (uint64, error)

// Offer is the answer to a download request. Only Remaining goes on the wire.
type Offer struct {
	Remaining uint64
	Size      uint64
	Status    OfferStatus
	Err       error
}

// Negotiate computes how many bytes of path are left after have. It performs
// one stat and no other I/O, so repeated calls against an unchanged source
// return the same offer.
func Negotiate(path string, have uint64, stat StatFunc) Offer {
	size, err := stat(path)
	if err != nil {
		return Offer{Status: OfferMissing, Err: err}
	}
	if have >= size {
		return Offer{Size: size, Status: OfferComplete}
	}
	return Offer{Remaining: size - have, Size: size, Status: OfferRemaining}
}

// Cap bounds the offer to max bytes; zero leaves it unbounded.
func (o Offer) Cap(max uint64) Offer {
	if max > 0 && o.Remaining > max {
		o.Remaining = max
	}
	return o
}
