package engine

import "fmt"

// PermanentError marks a step failure that must not be retried: the outcome
// will not change on a second attempt (entitlement denials, malformed input).
// Reason, when set, becomes the run's terminal error verbatim.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable with a terminal reason.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}
