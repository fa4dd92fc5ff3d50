// Package exception holds the error taxonomy shared by the dispatcher.
// Setup errors are fatal to batch registration, chunking errors are fatal to the
// call, and execution errors are classified as transient (retried in place by the
// single-record path) or permanent (handled by bisection).
package exception

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNothingToDo is returned by operator commands that found nothing to act on.
var ErrNothingToDo = errors.New("nothing to do")

// ConfigKeyError is returned when no configuration layer provides a key.
type ConfigKeyError struct {
	Batch string
	Key   string
}

func (e *ConfigKeyError) Error() string {
	return fmt.Sprintf("config: no value for key %q in batch %q", e.Key, e.Batch)
}

// ConfigValidationError is returned when the configuration file is malformed.
type ConfigValidationError struct {
	Section string
	Key     string
	Reason  string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config: section %q key %q: %s", e.Section, e.Key, e.Reason)
}

// InvalidArgumentError reports a violated precondition.
type InvalidArgumentError struct {
	Op     string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: invalid argument: %s", e.Op, e.Reason)
}

// InvalidArgument builds an InvalidArgumentError with a formatted reason.
func InvalidArgument(op, format string, a ...interface{}) error {
	return &InvalidArgumentError{Op: op, Reason: fmt.Sprintf(format, a...)}
}

// ExecutionError wraps a failure raised while running business code.
type ExecutionError struct {
	Batch     string
	Transient bool
	Err       error
}

func (e *ExecutionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s execution error in %q: %v", kind, e.Batch, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Cause lets errors.Cause reach the business error.
func (e *ExecutionError) Cause() error { return e.Err }

// TransientExecutionError marks err as retryable in place.
func TransientExecutionError(batch string, err error) error {
	return &ExecutionError{Batch: batch, Transient: true, Err: err}
}

// PermanentExecutionError marks err as not retryable in place.
func PermanentExecutionError(batch string, err error) error {
	return &ExecutionError{Batch: batch, Err: err}
}

// IsTransient reports whether err, or any error it wraps, is a transient ExecutionError.
func IsTransient(err error) bool {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Transient
	}
	return false
}

// SplitExhaustedError is the terminal failure of a chunk that cannot be divided further.
type SplitExhaustedError struct {
	JobID string
	IDs   []int64
	Err   error
}

func (e *SplitExhaustedError) Error() string {
	return fmt.Sprintf("job %s exhausted splitting on ids %v: %v", e.JobID, e.IDs, e.Err)
}

func (e *SplitExhaustedError) Unwrap() error { return e.Err }

func (e *SplitExhaustedError) Cause() error { return e.Err }

// Message returns the innermost error text, used when reporting failures to hooks.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return errors.Cause(err).Error()
}
