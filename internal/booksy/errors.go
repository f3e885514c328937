package booksy

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind buckets every remote failure into the categories the queue and
// orchestrator branch on. Nothing outside this package inspects raw HTTP
// status codes.
type Kind string

const (
	// KindAuth means the credential was rejected. One refresh is attempted
	// inside the client; a Kind of auth surfacing to callers means the
	// refresh also failed.
	KindAuth Kind = "auth"

	// KindRateLimit means the remote throttled the call. RetryAfter carries
	// the advertised wait when the remote sent one.
	KindRateLimit Kind = "rate_limit"

	// KindValidation means the remote rejected the payload as a business
	// rule violation. Never retried; spawns a conflict record instead.
	KindValidation Kind = "validation"

	// KindNotFound means the referenced remote entity does not exist
	KindNotFound Kind = "not_found"

	// KindServerError means the remote failed internally (5xx)
	KindServerError Kind = "server_error"

	// KindTransient means the call never completed: network failure,
	// timeout, connection reset.
	KindTransient Kind = "transient"
)

// Error is the normalized form of every failure crossing the Booksy boundary.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	// RetryAfter is the remote-advertised wait for rate_limit errors,
	// zero otherwise.
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("booksy: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("booksy: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the queue may redrive the operation. Validation
// and not-found failures are terminal for the attempt; auth failures are
// terminal once the client's internal refresh has been spent.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimit, KindServerError:
		return true
	default:
		return false
	}
}

// AsError extracts a normalized *Error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var be *Error
	ok := errors.As(err, &be)
	return be, ok
}

// transportError wraps a failure that happened before any response arrived.
func transportError(err error) *Error {
	return &Error{
		Kind:    KindTransient,
		Message: err.Error(),
		cause:   err,
	}
}

// statusError normalizes an HTTP error response into the taxonomy. The body
// message is whatever the remote put in its error envelope, may be empty.
func statusError(status int, message string, header http.Header) *Error {
	e := &Error{
		StatusCode: status,
		Message:    message,
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest || status == http.StatusConflict:
		e.Kind = KindValidation
	case status >= 500:
		e.Kind = KindServerError
	default:
		e.Kind = KindTransient
	}
	return e
}

// parseRetryAfter handles the delta-seconds form of the Retry-After header.
// The HTTP-date form is rare enough on this API that it falls back to zero,
// letting the queue apply its own backoff.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
