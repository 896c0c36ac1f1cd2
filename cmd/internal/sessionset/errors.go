package sessionset

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is returned when the account row does not exist.
	// An existing account with no sessions is not an error.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidInput is returned for empty identifiers or a non-positive capacity.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnexpectedReply is returned when a backend answers with a shape the store does not understand.
	ErrUnexpectedReply = errors.New("unexpected store reply")
)

// OpError is a typed store error with a stable Op + Kind contract.
// Kind is one of the sentinels above when applicable.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func invalidInput(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func accountNotFound(op string) error {
	return OpError{Op: op, Kind: ErrAccountNotFound}
}

// IsAccountNotFound reports whether err represents ErrAccountNotFound.
func IsAccountNotFound(err error) bool { return errors.Is(err, ErrAccountNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
