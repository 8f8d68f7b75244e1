package adjustment

import "errors"

var (
	// ErrNotFound indicates the document or unit does not exist.
	ErrNotFound = errors.New("adjustment: not found")
	// ErrInvalidLine indicates a line item violates its invariants.
	ErrInvalidLine = errors.New("adjustment: invalid line item")
	// ErrInvalidInput indicates a malformed submission.
	ErrInvalidInput = errors.New("adjustment: invalid input")
	// ErrAllocationFailed indicates a record number could not be allocated.
	ErrAllocationFailed = errors.New("adjustment: record number allocation failed")
	// ErrReversalOfReversal indicates an attempt to reverse a reversal.
	ErrReversalOfReversal = errors.New("adjustment: reversal documents are not reversed")
)
