package deconz

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted matches any RetriesExhaustedError.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrServiceUnavailable is the transient cause recorded for HTTP 503 replies.
	ErrServiceUnavailable = errors.New("hub service unavailable")

	// ErrMalformedState is returned when a hub state reply lacks the on/bri fields.
	ErrMalformedState = errors.New("malformed hub state")

	// ErrConnectionLost wraps the read error when an open feed connection drops.
	ErrConnectionLost = errors.New("event feed connection lost")

	// ErrConnectFailedAtStartup is returned by EventStream.Run when the feed
	// could not be opened within the startup attempt budget.
	ErrConnectFailedAtStartup = errors.New("event feed unreachable at startup")
)

// StatusError is a non-retryable HTTP reply: anything other than 200 or 503.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// TransientError wraps a failure that is worth retrying: timeouts,
// refused connections and 503 replies.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RetriesExhaustedError carries the last failure after the attempt budget ran out.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes both ErrRetriesExhausted and the last failure to errors.Is/As.
func (e *RetriesExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}
