package history

import (
	"errors"
	"fmt"
)

// The error taxonomy used across component boundaries. Classification happens
// at the call site that produced the failure; nothing downstream inspects
// error message strings.
//
//   - ValidationError: bad caller input. Surfaced, never retried.
//   - PrivacyError: session isolation violated. Fatal, never retried.
//   - StoreError: backing-store failure with an explicit recoverable flag.
//   - TimeoutError: a bounded operation ran out of time. Recoverable.
//   - ResourceError: payload exceeds a hard limit. Never retried.

// ValidationError reports invalid caller input, naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// PrivacyError reports a session isolation violation: data owned by one
// session surfaced on a request for another. Always fatal.
type PrivacyError struct {
	Op               string
	RequestedSession string
	ActualSession    string
}

func (e *PrivacyError) Error() string {
	return fmt.Sprintf("%s: session isolation violated: requested session %q, found data for session %q",
		e.Op, e.RequestedSession, e.ActualSession)
}

// StoreError wraps a backing-store failure. Recoverable instances drive the
// retry loop; non-recoverable ones (constraint violations, config mismatches)
// short-circuit it.
type StoreError struct {
	Op          string
	Recoverable bool
	Err         error
}

func (e *StoreError) Error() string {
	kind := "permanent"
	if e.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("%s: store error (%s): %v", e.Op, kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a store failure for op.
func NewStoreError(op string, recoverable bool, err error) *StoreError {
	return &StoreError{Op: op, Recoverable: recoverable, Err: err}
}

// TimeoutError reports that a bounded operation exceeded its deadline.
// Timeouts leave no ambiguous partial state and may be retried.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ResourceError reports a payload exceeding a hard resource limit.
type ResourceError struct {
	Op       string
	Resource string
	Limit    int
	Actual   int
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %s exceeds limit: %d > %d", e.Op, e.Resource, e.Actual, e.Limit)
}

// Recoverable reports whether err may be retried. Only timeouts and store
// errors explicitly marked recoverable qualify; validation, privacy, and
// resource failures never do.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Recoverable
	}
	return false
}

// IsPrivacyViolation reports whether err is (or wraps) a PrivacyError.
func IsPrivacyViolation(err error) bool {
	var pe *PrivacyError
	return errors.As(err, &pe)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
