package resilience

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError wraps an error that is safe to retry. Only errors explicitly
// marked this way are retried by default.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if any error in the chain is a *TransientError.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// IsRateLimited returns true if the chain carries a TransientError for HTTP 429.
func IsRateLimited(err error) bool {
	var te *TransientError
	if !errors.As(err, &te) {
		return false
	}
	return te.StatusCode == http.StatusTooManyRequests
}

// ExhaustedError is returned by Do/DoVal when every attempt failed with a
// retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err came from running out of retry attempts.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
