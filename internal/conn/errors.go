package conn

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned for outbound frames issued while disconnected
// with no reconnection in progress. The frame is not queued; callers surface
// the failure immediately.
var ErrNotConnected = errors.New("not connected")

// TransportError wraps a failure to open or keep the underlying channel.
// Transport errors are recoverable: they trigger backoff reconnection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError reports an invalid or expired credential. Fatal until the
// caller re-authenticates; no reconnection is attempted.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}
