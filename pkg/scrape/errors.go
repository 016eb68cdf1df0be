package scrape

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	// ErrorKindConnection covers DNS, dial, TLS, and broken-connection
	// failures.
	ErrorKindConnection ErrorKind = "connection"

	// ErrorKindTimeout covers deadline and timeout failures.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindHTTPStatus covers responses with a 4xx/5xx status code.
	ErrorKindHTTPStatus ErrorKind = "http_status"
)

// ErrRetryExhausted is returned when all retry attempts are exhausted.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// TransportError is the failure type produced by Transport
// implementations.
type TransportError struct {
	Kind       ErrorKind
	StatusCode int // set for ErrorKindHTTPStatus
	URL        string
	Err        error

	// Response carries the decoded response for ErrorKindHTTPStatus so
	// callers can still inspect headers and body.
	Response *Response
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Kind == ErrorKindHTTPStatus {
		return fmt.Sprintf("transport %s error for %s: status %d", e.Kind, e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport %s error for %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("transport %s error for %s", e.Kind, e.URL)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IndictsProxy reports whether the failure implicates the proxy rather
// than the target: connection and timeout failures count against proxy
// health, while an HTTP status means the proxy relayed the request fine.
func (e *TransportError) IndictsProxy() bool {
	return e.Kind == ErrorKindConnection || e.Kind == ErrorKindTimeout
}

// ErrorKindOf returns the ErrorKind of err, unwrapping as needed.
// It returns the empty kind when err carries no TransportError.
func ErrorKindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
