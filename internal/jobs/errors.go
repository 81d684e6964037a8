package jobs

import (
	"errors"
	"fmt"
)

// TransientError wraps a single failed call to an external service that may
// succeed if retried: network failures, timeouts, 5xx responses, or a
// response body that could not be decoded.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// TerminalError records an explicit failure reported by the external service.
// Message is kept verbatim.
type TerminalError struct {
	Message string
}

func (e *TerminalError) Error() string { return e.Message }

// IntegrityError reports a response whose shape violates the contract, such
// as a completed job without any output. It ends the job like a TerminalError.
type IntegrityError struct {
	Detail string
}

func (e *IntegrityError) Error() string {
	return "unexpected response: " + e.Detail
}

// IsTransient reports whether err is retryable. Errors that are not
// classified default to transient so that an unexpected network-level error
// never ends a job early.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsTerminal(err)
}

// IsTerminal reports whether err must end the job.
func IsTerminal(err error) bool {
	var te *TerminalError
	var ie *IntegrityError
	return errors.As(err, &te) || errors.As(err, &ie)
}
