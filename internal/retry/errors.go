package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError marks a failure that may succeed if attempted again
// (timeouts, rate limits, 5xx responses).
type TransientError struct {
	Err  error
	Code string // machine-readable reason, e.g. "timeout", "rate_limited"
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Code, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not change on retry.
type PermanentError struct {
	Err  error
	Code string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent %s: %v", e.Code, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable with the given code.
func Transient(code string, err error) error {
	return &TransientError{Err: err, Code: code}
}

// Permanent wraps err as non-retryable with the given code.
func Permanent(code string, err error) error {
	return &PermanentError{Err: err, Code: code}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Code extracts the machine-readable code from a classified error.
// Unclassified deadline errors map to "timeout"; anything else to "error".
func Code(err error) string {
	var transient *TransientError
	if errors.As(err, &transient) && transient.Code != "" {
		return transient.Code
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) && permanent.Code != "" {
		return permanent.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
