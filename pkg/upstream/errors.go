package upstream

import (
	"errors"
	"fmt"
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassRateLimit represents upstream throttling (HTTP 429).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassTransport represents network errors, timeouts and 5xx responses.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassMalformed represents payloads that cannot be decoded, including
	// GraphQL errors reported inside a 200 response.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassClient represents the remaining 4xx responses.
	ErrorClassClient ErrorClass = "client"
)

// Sentinel errors matched by errors.Is against an *Error of the same class.
var (
	ErrRateLimited       = errors.New("upstream rate limited")
	ErrTransport         = errors.New("upstream transport failure")
	ErrMalformedResponse = errors.New("malformed upstream response")
	ErrClient            = errors.New("upstream rejected request")
)

// Error is a classified upstream failure.
type Error struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's class.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Class)
}

func sentinel(class ErrorClass) error {
	switch class {
	case ErrorClassRateLimit:
		return ErrRateLimited
	case ErrorClassTransport:
		return ErrTransport
	case ErrorClassMalformed:
		return ErrMalformedResponse
	case ErrorClassClient:
		return ErrClient
	default:
		return nil
	}
}

// ClassOf returns the class of err, or "" when err is not a classified
// upstream error.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// ShouldRetry reports whether an error is worth another attempt. Only
// throttling and transport failures are transient.
func ShouldRetry(err error) bool {
	switch ClassOf(err) {
	case ErrorClassRateLimit, ErrorClassTransport:
		return true
	default:
		return false
	}
}
