package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrShutdown is delivered to every outstanding wait when the client
	// is shut down.
	ErrShutdown = errors.New("gateway client shut down")

	// ErrNotConnected is returned by SendRelayMessage when the connection
	// is not in the Ready state.
	ErrNotConnected = errors.New("gateway client not connected")

	// ErrResponseTimeout is returned by a response wait whose deadline
	// elapsed before a correlated response arrived.
	ErrResponseTimeout = errors.New("timed out waiting for gateway response")
)

// AuthError is a rejected connect handshake. It is surfaced to the
// in-flight connect caller and is not retried automatically.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway auth rejected: %s: %s", e.Code, e.Message)
}

// BackendError is a well-formed ok:false response from the sandbox. It is
// the failure of that one exchange only.
type BackendError struct {
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("sandbox error: %s: %s", e.Code, e.Message)
}
