// Package xmppreg implements the in-band account registration engine:
// a two-phase (query, then submit) registration protocol driven over its
// own raw transport, a process-wide registry of active registration
// sessions, and the termination-race helper used for account deletion
// over an already-authenticated stream.
package xmppreg

import (
	"errors"
	"fmt"
)

// Kind categorizes a registration failure. Callers are expected to
// branch on the kind: a GUI flow must distinguish "CAPTCHA needed" from
// "server down" from "username taken". No raw transport error crosses
// this package's boundary without being classified into one of these.
type Kind int

const (
	// KindConnection is a resolution or transport failure.
	KindConnection Kind = iota + 1

	// KindTLS is a failure of the in-place security upgrade.
	KindTLS

	// KindTimeout means no response arrived within the deadline.
	KindTimeout

	// KindProtocol is a malformed or unexpected protocol element.
	KindProtocol

	// KindServerRejected is a well-formed error response from the
	// server, carrying a condition and optional human-readable text.
	KindServerRejected

	// KindState is a sequencing error on the caller's side, such as
	// submitting before any form was queried. Detected before any
	// network I/O happens.
	KindState
)

var kindNames = map[Kind]string{
	KindConnection:     "connection error",
	KindTLS:            "TLS error",
	KindTimeout:        "timeout",
	KindProtocol:       "protocol error",
	KindServerRejected: "server rejected",
	KindState:          "state error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed failure surfaced by every operation in this
// package. Condition and Text are populated for KindServerRejected.
type Error struct {
	Kind      Kind
	Op        string
	Condition string
	Text      string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Kind == KindServerRejected {
		switch {
		case e.Condition != "" && e.Text != "":
			return fmt.Sprintf("%s: %s: %s", msg, e.Condition, e.Text)
		case e.Condition != "":
			return fmt.Sprintf("%s: %s", msg, e.Condition)
		case e.Text != "":
			return fmt.Sprintf("%s: %s", msg, e.Text)
		}
		return msg + ": registration failed (unknown error)"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", msg, e.Err)
	}
	if e.Text != "" {
		return fmt.Sprintf("%s: %s", msg, e.Text)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is (or wraps) a registration Error of the
// given kind.
func IsKind(err error, k Kind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == k
}

func newError(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func stateError(op string, text string) *Error {
	return &Error{Kind: KindState, Op: op, Text: text}
}

func rejectedError(op string, condition string, text string) *Error {
	return &Error{Kind: KindServerRejected, Op: op, Condition: condition, Text: text}
}
