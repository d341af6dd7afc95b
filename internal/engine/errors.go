package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/offermatch/internal/ir"
)

// DeltaError describes a delta the engine could not apply.
//
// Codes:
//   - DUPLICATE_INSERT: insert of an offer that is already bound
//   - UNKNOWN_OFFER: update or delete of an offer that is not bound
//   - MALFORMED_DELTA: delta missing fields required by its op
//
// The first two are integrity violations and follow the engine policy; a
// malformed delta is always rejected and the run continues.
type DeltaError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Instance names the instance being applied, if any.
	Instance string

	// Index is the position of the delta in the instance stream.
	Index int

	DocID string
	Op    ir.Op

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes delta errors.
type ErrorCode string

const (
	ErrCodeDuplicateInsert ErrorCode = "DUPLICATE_INSERT"
	ErrCodeUnknownOffer    ErrorCode = "UNKNOWN_OFFER"
	ErrCodeMalformedDelta  ErrorCode = "MALFORMED_DELTA"
)

// Error implements the error interface.
func (e *DeltaError) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("%s: %s (instance=%s, index=%d, docid=%s, op=%s)", e.Code, e.Message, e.Instance, e.Index, e.DocID, e.Op)
	}
	return fmt.Sprintf("%s: %s (index=%d, docid=%s, op=%s)", e.Code, e.Message, e.Index, e.DocID, e.Op)
}

// Unwrap returns the underlying cause.
func (e *DeltaError) Unwrap() error {
	return e.Err
}

// IsIntegrityError returns true for duplicate inserts and unknown offers.
// Uses errors.As to handle wrapped errors.
func IsIntegrityError(err error) bool {
	var de *DeltaError
	if errors.As(err, &de) {
		return de.Code == ErrCodeDuplicateInsert || de.Code == ErrCodeUnknownOffer
	}
	return false
}

// IsDuplicateInsert returns true if the error is a duplicate insert.
func IsDuplicateInsert(err error) bool {
	var de *DeltaError
	return errors.As(err, &de) && de.Code == ErrCodeDuplicateInsert
}

// IsUnknownOffer returns true if the error names an unbound offer.
func IsUnknownOffer(err error) bool {
	var de *DeltaError
	return errors.As(err, &de) && de.Code == ErrCodeUnknownOffer
}

// IsMalformed returns true if the error is a malformed delta.
func IsMalformed(err error) bool {
	var de *DeltaError
	if errors.As(err, &de) {
		return de.Code == ErrCodeMalformedDelta
	}
	return errors.Is(err, ir.ErrMalformed)
}
