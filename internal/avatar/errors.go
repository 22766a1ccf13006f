package avatar

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrConnectSuperseded = errors.New("connect superseded by a later disconnect")
	ErrClosed            = errors.New("avatar panel closed")
)

// ConnectionError reports a failed attempt to open a session.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("open avatar session: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubmitError reports a unit the service refused to speak. The unit is
// dropped and dispatch moves on.
type SubmitError struct {
	SessionID string
	Text      string
	Err       error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit utterance to session %s: %v", e.SessionID, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// CloseError reports a failed remote teardown. It is only logged; local state
// is already disconnected when it happens.
type CloseError struct {
	SessionID string
	Err       error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close avatar session %s: %v", e.SessionID, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }
