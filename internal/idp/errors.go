package idp

import (
	"errors"
	"fmt"
)

// ErrNoCredentials indicates that no usable credentials exist for a user.
// Callers fall through to the default worker on this error.
var ErrNoCredentials = errors.New("no credentials")

// StateError indicates an invalid, expired, or replayed OAuth state
// parameter.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return "invalid or expired state: " + e.Reason
}

// ProtocolError indicates an HTTP or structural failure while talking to
// the IdP (transport error, non-2xx status, unparseable body).
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("idp %s failed: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IdPError is an error the IdP itself reported via a non-zero envelope
// code.
type IdPError struct {
	Op   string
	Code int64
	Msg  string
}

func (e *IdPError) Error() string {
	return fmt.Sprintf("idp %s rejected: code=%d msg=%s", e.Op, e.Code, e.Msg)
}
