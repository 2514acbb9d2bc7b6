package outpaint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrQueueFull         = fmt.Errorf("queue full")
	ErrItemNotFound      = fmt.Errorf("queue item not found")
	ErrItemNotPending    = fmt.Errorf("queue item is not pending")
	ErrAdapterNotFound   = fmt.Errorf("adapter not found")
	ErrNoAdvisoryPending = fmt.Errorf("no advisory pending")
	ErrWithdrawn         = fmt.Errorf("withdrawn before dispatch")
	ErrServiceClosed     = fmt.Errorf("service closed")
)

// ErrorClass is the failure taxonomy shared by both adapters.
type ErrorClass string

const (
	// ErrorClassNone marks an attempt that did not fail.
	ErrorClassNone ErrorClass = ""
	// ErrorClassUnreachable means the backend could not be connected to at all.
	ErrorClassUnreachable ErrorClass = "unreachable"
	// ErrorClassTimeout means the operation deadline elapsed.
	ErrorClassTimeout ErrorClass = "timeout"
	// ErrorClassRemoteRejected means the backend answered with a structured error.
	ErrorClassRemoteRejected ErrorClass = "remote_rejected"
	// ErrorClassConfiguration means the request could not even be attempted.
	ErrorClassConfiguration ErrorClass = "configuration"
)

// BackendError carries the class of an adapter failure alongside the
// human-readable reason. Adapters must only ever fail with a *BackendError so
// the dispatcher can classify without guessing.
type BackendError struct {
	Class  ErrorClass
	Reason string
	Err    error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Class, e.Reason, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func NewUnreachableError(reason string, err error) *BackendError {
	return &BackendError{Class: ErrorClassUnreachable, Reason: reason, Err: err}
}

func NewTimeoutError(reason string, err error) *BackendError {
	return &BackendError{Class: ErrorClassTimeout, Reason: reason, Err: err}
}

func NewRemoteRejectedError(reason string) *BackendError {
	return &BackendError{Class: ErrorClassRemoteRejected, Reason: reason}
}

func NewConfigurationError(reason string) *BackendError {
	return &BackendError{Class: ErrorClassConfiguration, Reason: reason}
}

// ClassifyTransportError maps a raw http client error onto the taxonomy.
// Deadline errors become Timeout, everything else that prevented a response
// becomes Unreachable.
func ClassifyTransportError(reason string, err error) *BackendError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(reason, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(reason, err)
	}
	return NewUnreachableError(reason, err)
}

// crashSignatures are substrings of RemoteRejected reasons that indicate the
// backend process itself died or refuses connections rather than a bad request.
// The exact set is heuristic and may need revisiting per deployment.
var crashSignatures = []string{
	"connection refused",
	"connection error",
	"connection reset",
	"max retries",
	"actively refused",
	"no connection could be made",
	"broken pipe",
}

// MatchesCrashSignature reports whether a rejection reason looks like a
// backend crash instead of a well-formed rejection.
func MatchesCrashSignature(reason string) bool {
	lowered := strings.ToLower(reason)
	for _, sig := range crashSignatures {
		if strings.Contains(lowered, sig) {
			return true
		}
	}
	return false
}

// ClassOf extracts the error class, ErrorClassConfiguration for anything that
// is not a *BackendError (nothing else should escape an adapter).
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class
	}
	return ErrorClassConfiguration
}

// FallbackEligible decides whether a failed attempt may be retried on the
// alternate adapter. Unreachable and Timeout always qualify, rejections only
// when the reason matches a crash signature. Retrying a different backend with
// the same invalid parameter cannot succeed, so parameter-level rejections and
// configuration errors are terminal.
func FallbackEligible(err error) bool {
	var be *BackendError
	if !errors.As(err, &be) {
		return false
	}
	switch be.Class {
	case ErrorClassUnreachable, ErrorClassTimeout:
		return true
	case ErrorClassRemoteRejected:
		return MatchesCrashSignature(be.Reason)
	default:
		return false
	}
}
