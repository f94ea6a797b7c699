package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced document does not exist.
	ErrNotFound = errors.New("billing: document not found")
	// ErrUnknownType indicates a document type outside the four variants.
	ErrUnknownType = errors.New("billing: unknown document type")
	// ErrSequenceExhausted indicates the numbering sequence for a period hit
	// its attempt budget. Surfaced, never retried automatically.
	ErrSequenceExhausted = errors.New("billing: numbering sequence exhausted for period")
	// ErrDuplicateDeposit indicates an attempt to settle the same deposit
	// twice against one document.
	ErrDuplicateDeposit = errors.New("billing: deposit already linked to document")
)

// StateError reports an operation that is invalid for the document's current
// lifecycle state. The Reason names the violated precondition.
type StateError struct {
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("billing: %s: %s", e.Op, e.Reason)
}

func stateErr(op, format string, args ...any) error {
	return &StateError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsStateError reports whether err is a StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// RateError wraps a currency rate resolution failure. It propagates out of
// save and approval paths; only draft-building paths may fall back.
type RateError struct {
	Currency string
	Err      error
}

func (e *RateError) Error() string {
	return fmt.Sprintf("billing: resolve rate for %s: %v", e.Currency, e.Err)
}

func (e *RateError) Unwrap() error { return e.Err }
