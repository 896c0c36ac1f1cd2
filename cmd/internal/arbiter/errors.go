package arbiter

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedSession is returned when the account or session id is empty.
	ErrMalformedSession = errors.New("malformed session")

	// ErrContended is returned when a validation kept racing with concurrent
	// admissions/removals for longer than the configured number of rounds.
	ErrContended = errors.New("session set contended")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// OpError is a typed arbiter error with a stable Op + Kind contract.
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

// IsMalformed reports whether err represents ErrMalformedSession.
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformedSession) }

// IsContended reports whether err represents ErrContended.
func IsContended(err error) bool { return errors.Is(err, ErrContended) }
