package housekeeper

import (
	"errors"
	"fmt"
)

// ErrPipelineUnavailable means the task channel could not make a submission durable.
// The caller that delivered the deletion event is expected to redeliver it.
var ErrPipelineUnavailable = errors.New("task pipeline unavailable")

// TransientStoreError is a downstream store failure worth retrying
type TransientStoreError struct {
	Store string
	Op    string
	Err   error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Store, e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// PermanentTaskError marks a task that will never succeed; it goes straight to the dead-letter sink
type PermanentTaskError struct {
	Reason string
	Err    error
}

func (e *PermanentTaskError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentTaskError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable store failure
func Transient(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Store: store, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable task failure
func Permanent(reason string, err error) error {
	return &PermanentTaskError{Reason: reason, Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentTaskError
func IsPermanent(err error) bool {
	var pe *PermanentTaskError
	return errors.As(err, &pe)
}

// IsTransient reports whether err, or anything it wraps, is a TransientStoreError
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}

// Unavailable wraps a submission failure so callers can match ErrPipelineUnavailable
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPipelineUnavailable, err)
}
