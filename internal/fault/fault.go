// Package fault classifies relay errors into the small taxonomy the supervisor
// and the status API report on.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindConnection covers TCP connect failures to the caster and serial open failures.
	KindConnection
	// KindProtocol covers bad schemes, non-2xx statuses and unrecognised handshakes.
	KindProtocol
	// KindIO covers mid-stream read/write failures on any of the three links.
	KindIO
	// KindDecode is only ever used locally while scanning receiver text.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Connection(op string, err error) error { return New(KindConnection, op, err) }
func Protocol(op string, err error) error   { return New(KindProtocol, op, err) }
func IO(op string, err error) error         { return New(KindIO, op, err) }

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
