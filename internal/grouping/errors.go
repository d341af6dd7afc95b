package grouping

import "errors"

var (
	// ErrDuplicateOffer is returned when an insert names an offer that is
	// already bound.
	ErrDuplicateOffer = errors.New("offer already bound")

	// ErrUnknownOffer is returned when an update or delete names an offer
	// that is not bound.
	ErrUnknownOffer = errors.New("offer not bound")
)
