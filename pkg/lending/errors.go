package lending

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the Engine matches exactly one of them
// through errors.Is, except for unexpected storage failures, which are wrapped as is.
var (
	ErrNotFound            = errors.New("not found")
	ErrBorrowLimitExceeded = errors.New("borrow limit exceeded")
	ErrDuplicateActiveLoan = errors.New("duplicate active loan")
	ErrBookUnavailable     = errors.New("book unavailable")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInvalidBook         = errors.New("invalid book")
	ErrBookOnLoan          = errors.New("book has copies on loan")
)

// Error carries the kind of a rejected operation together with a message fit
// for the caller.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Message returns the caller-facing message of err, or its full text if err
// did not come from the Engine.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
