package engine

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of terminal error classifications surfaced
// to callers of Fetch. Successful HTTP responses, including non-success
// 4xx statuses other than 403/429, are not errors.
type ErrorKind string

const (
	KindValidation  ErrorKind = "VALIDATION"
	KindCircuitOpen ErrorKind = "CIRCUIT_OPEN"
	KindTimeout     ErrorKind = "TIMEOUT"
	KindNetwork     ErrorKind = "NETWORK"
	KindRateLimited ErrorKind = "RATE_LIMITED"
	KindUnavailable ErrorKind = "UNAVAILABLE"
	KindServerError ErrorKind = "SERVER_ERROR"
	KindForbidden   ErrorKind = "FORBIDDEN"
	KindShuttingDown ErrorKind = "SHUTTING_DOWN"
)

// FetchError wraps a terminal classification around the underlying cause,
// if any (validation and circuit-open errors may have no network cause).
type FetchError struct {
	Kind ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

func newFetchError(kind ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err, if it is (or wraps) a FetchError.
func KindOf(err error) (ErrorKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
