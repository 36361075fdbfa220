// Package common provides shared constants, types, and utilities
// used across the VPN orchestrator.
package common

import "errors"

// Sentinel errors for orchestrator operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Connection errors.
	ErrConnectivity   = errors.New("endpoint unreachable")
	ErrAuthentication = errors.New("credentials rejected")
	ErrMisconfigured  = errors.New("transport misconfigured")
	ErrInvalidState   = errors.New("invalid state for command")
	ErrTimeout        = errors.New("operation timed out")
	ErrCancelled      = errors.New("operation cancelled")

	// Enforcement errors.
	ErrEnforcement      = errors.New("firewall enforcement failed")
	ErrStaleRevision    = errors.New("rule set revision is stale")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRootRequired     = errors.New("root privileges required")
	ErrUnsupported      = errors.New("not supported on this platform")

	// Port forward errors.
	ErrPortForward  = errors.New("port forward failed")
	ErrNotSupported = errors.New("port forwarding not supported by region")
	ErrForwardLost  = errors.New("port forward lease lost")

	// Region errors.
	ErrRegionNotFound = errors.New("region not found")
	ErrNoRegions      = errors.New("no regions available")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// ErrorKind classifies an error for Error events.
type ErrorKind string

const (
	KindConnectivity   ErrorKind = "connectivity"
	KindAuthentication ErrorKind = "authentication"
	KindMisconfigured  ErrorKind = "misconfigured"
	KindEnforcement    ErrorKind = "enforcement"
	KindPortForward    ErrorKind = "port_forward"
	KindInvalidState   ErrorKind = "invalid_state"
	KindUnknown        ErrorKind = "unknown"
)

// KindOf maps an error onto the taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrMisconfigured):
		return KindMisconfigured
	case errors.Is(err, ErrEnforcement):
		return KindEnforcement
	case errors.Is(err, ErrNotSupported), errors.Is(err, ErrPortForward), errors.Is(err, ErrForwardLost):
		return KindPortForward
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrConnectivity), errors.Is(err, ErrTimeout):
		return KindConnectivity
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether a negotiation error may be retried.
// Only connectivity problems are worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrMisconfigured) || errors.Is(err, ErrCancelled) {
		return false
	}
	return errors.Is(err, ErrConnectivity) || errors.Is(err, ErrTimeout)
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
