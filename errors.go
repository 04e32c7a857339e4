package zumi

import (
	"errors"
	"fmt"

	"github.com/zumilabs/zumi-go-sdk/retry"
)

// Sentinel errors returned synchronously by SDK entry points.
var (
	// ErrAlreadyConnected is returned by Connect unless the connection
	// is fully disconnected.
	ErrAlreadyConnected = errors.New("zumi: already connected")

	// ErrNotReady is returned by SendFrame before the handshake has
	// delivered a cipher key.
	ErrNotReady = errors.New("zumi: connection not ready")

	// ErrClosed is returned once Close has stopped a component for good.
	ErrClosed = errors.New("zumi: closed")

	// ErrLoginUnavailable marks the login backend as transiently
	// unreachable. The runtime retries shortly without burning a
	// backoff attempt.
	ErrLoginUnavailable = errors.New("zumi: login service unavailable")
)

// NetworkError is a transport-level failure: dial, read or write.
// Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("zumi: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is a malformed exchange with the gateway: a bad upgrade
// or a handshake frame that does not carry what it must. Retryable.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("zumi: %s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// CryptoError is a failed decrypt or decode. Instances tied to a single
// event are dropped without touching the connection; an invalid
// handshake key tears the connection down but stays reconnect-eligible.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("zumi: %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// APIError is a failure the remote API reported. Not retryable by
// default.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zumi: api error %d: %s", e.Code, e.Message)
}

// AuthError means the backend no longer honors the session. The runtime
// reacts with a fresh login, never a plain reconnect.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "zumi: auth: " + e.Reason }

// TerminalRetryError is published when the reconnect engine halts.
// Automatic reconnects stop until manual intervention.
type TerminalRetryError struct {
	Reason   retry.HaltReason
	Attempts int
}

func (e *TerminalRetryError) Error() string {
	return fmt.Sprintf("zumi: reconnect halted after %d attempts: %s", e.Attempts, e.Reason)
}

// Retryable reports whether another attempt at the failed operation may
// succeed.
func Retryable(err error) bool {
	if errors.Is(err, ErrLoginUnavailable) {
		return true
	}
	var ne *NetworkError
	var pe *ProtocolError
	return errors.As(err, &ne) || errors.As(err, &pe)
}
