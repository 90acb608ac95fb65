package media

import (
	"errors"
	"fmt"
)

// Sentinel errors for the media package.
var (
	// ErrNotConnected indicates an operation that requires a live
	// session was invoked without one.
	ErrNotConnected = errors.New("media: not connected")

	// ErrAlreadyConnected indicates Connect was called on a session
	// that is already live or connecting.
	ErrAlreadyConnected = errors.New("media: already connected")

	// ErrMicPermissionDenied indicates the local capture device was
	// refused or unavailable. The session stays connected; the agent
	// hears silence.
	ErrMicPermissionDenied = errors.New("media: microphone unavailable")

	// ErrClosed indicates the session was already torn down.
	ErrClosed = errors.New("media: session closed")
)

// ConnectError reports a failed transport establishment. No session
// resources persist after it is returned.
type ConnectError struct {
	// Reason describes why the connection failed.
	Reason string

	// Cause is the underlying transport error.
	Cause error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("media: connect failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("media: connect failed: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectError) Unwrap() error {
	return e.Cause
}
