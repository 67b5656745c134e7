package broker

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrProtocolViolation is the root of every error raised when a call does not match the
// contract of the object it was sent to. It is never a normal lookup failure.
var ErrProtocolViolation = errors.New("protocol violation")

var (
	ErrUnknownOperation   = fmt.Errorf("%w: unknown operation", ErrProtocolViolation)
	ErrInterfaceMismatch  = fmt.Errorf("%w: interface token mismatch", ErrProtocolViolation)
	ErrConventionMismatch = fmt.Errorf("%w: calling convention mismatch", ErrProtocolViolation)
	ErrMalformedParcel    = fmt.Errorf("%w: malformed parcel", ErrProtocolViolation)
)

var (
	// ErrUnknownBinder is returned when a call names an object the node does not host.
	ErrUnknownBinder = errors.New("unknown binder")
	// ErrDeadBinder is returned when the process behind a remote binder cannot be reached.
	ErrDeadBinder = errors.New("dead binder")
	// ErrRemoteFailure is returned when a handler failed for a reason other than the contract.
	ErrRemoteFailure = errors.New("remote handler failed")
	// ErrPoolClosed is returned when a call arrives after the node started shutting down.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Stable wire codes for errors carried in HTTP error bodies.
const (
	CodeUnknownOperation   = "UNKNOWN_OPERATION"
	CodeInterfaceMismatch  = "INTERFACE_MISMATCH"
	CodeConventionMismatch = "CONVENTION_MISMATCH"
	CodeMalformedParcel    = "MALFORMED_PARCEL"
	CodeUnknownBinder      = "UNKNOWN_BINDER"
	CodeUnavailable        = "UNAVAILABLE"
	CodeRemoteFailure      = "REMOTE_FAILURE"
)

var codeErrors = []struct {
	code   string
	err    error
	status int
}{
	{CodeUnknownOperation, ErrUnknownOperation, http.StatusBadRequest},
	{CodeInterfaceMismatch, ErrInterfaceMismatch, http.StatusBadRequest},
	{CodeConventionMismatch, ErrConventionMismatch, http.StatusBadRequest},
	{CodeMalformedParcel, ErrMalformedParcel, http.StatusBadRequest},
	{CodeUnknownBinder, ErrUnknownBinder, http.StatusNotFound},
	{CodeUnavailable, ErrPoolClosed, http.StatusServiceUnavailable},
}

// ErrorCode maps err to its wire code and HTTP status.
func ErrorCode(err error) (string, int) {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code, ce.status
		}
	}
	return CodeRemoteFailure, http.StatusInternalServerError
}

// errorForCode rebuilds a sentinel-wrapped error from a wire code received from a peer.
func errorForCode(code, message string) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			return fmt.Errorf("%w: %s", ce.err, message)
		}
	}
	return fmt.Errorf("%w: %s", ErrRemoteFailure, message)
}

// violationKind returns the metric label for a protocol violation.
func violationKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownOperation):
		return "unknown_operation"
	case errors.Is(err, ErrInterfaceMismatch):
		return "interface_mismatch"
	case errors.Is(err, ErrConventionMismatch):
		return "convention_mismatch"
	case errors.Is(err, ErrMalformedParcel):
		return "malformed_parcel"
	default:
		return "other"
	}
}
