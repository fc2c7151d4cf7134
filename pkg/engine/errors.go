package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity signals a saturated descriptor queue. The scheduler reacts
	// by blocking until a worker frees a slot; it never reaches callers.
	ErrCapacity = errors.New("worker queue saturated")

	// ErrCancelled marks a user-initiated stop. It is not a failure.
	ErrCancelled = errors.New("run cancelled")

	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrDestinationDown is the abort reason once consecutive delivery
	// failures cross the configured threshold.
	ErrDestinationDown = errors.New("destination considered down")
)

// ValidationError rejects a run request before anything is started.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "invalid run config"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// GeneratorError is a per-event content generation failure.
type GeneratorError struct {
	Ref   string
	Phase string
	Err   error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generator %q failed for phase %q: %v", e.Ref, e.Phase, e.Err)
}

func (e *GeneratorError) Unwrap() error {
	return e.Err
}

// SchedulingError is fatal to the run, e.g. a phase whose generator cannot
// be resolved.
type SchedulingError struct {
	Phase string
	Err   error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("scheduling phase %q: %v", e.Phase, e.Err)
}

func (e *SchedulingError) Unwrap() error {
	return e.Err
}
