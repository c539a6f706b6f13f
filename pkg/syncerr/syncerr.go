// Package syncerr defines the error kinds surfaced by the thread sync engine.
//
// Every failure that crosses the gateway boundary is reduced to one of five
// kinds. Fetch failures become a session-level error; send failures stay
// attached to the pending message that caused them.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies a sync failure.
type Kind int

const (
	NetworkUnavailable Kind = iota + 1
	Unauthorized
	ServerRejected
	Timeout
	MalformedResponse
)

func (k Kind) String() string {
	switch k {
	case NetworkUnavailable:
		return "network_unavailable"
	case Unauthorized:
		return "unauthorized"
	case ServerRejected:
		return "server_rejected"
	case Timeout:
		return "timeout"
	case MalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// MarshalText lets kinds appear by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses a kind name written by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	for c := NetworkUnavailable; c <= MalformedResponse; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", b)
}

// Error is a classified failure. Reason carries the server-supplied
// rejection text for ServerRejected and a short description otherwise.
type Error struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: Timeout})
// works regardless of reason or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// New returns an error of the given kind with a reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap returns an error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Rejected is shorthand for ServerRejected(reason).
func Rejected(reason string) *Error {
	return &Error{Kind: ServerRejected, Reason: reason}
}

// Classify reduces err to an *Error. Already classified errors are returned
// as-is; deadlines map to Timeout and everything else that reached the
// transport is treated as NetworkUnavailable. Classify(nil) is nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Wrap(Timeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Wrap(Timeout, err)
	}
	return Wrap(NetworkUnavailable, err)
}

// KindOf returns the kind of err after classification, or 0 for nil.
func KindOf(err error) Kind {
	if se := Classify(err); se != nil {
		return se.Kind
	}
	return 0
}

// IsCanceled reports whether err stems from a cancelled context. Cancelled
// operations are never surfaced as session errors.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
