package staging

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record id does not exist in the store.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a complete/fail/release names a claim that is not
	// currently held by the caller. The record is left untouched.
	ErrConflict = errors.New("task is not claimed by this worker")

	// ErrInvalidLease is returned for a lease without a task or worker id.
	ErrInvalidLease = errors.New("lease requires task_id and worker_id")
)

// StoreError wraps a failure at the record store boundary. It is always treated as
// transient: the caller may retry the whole operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("record store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports that the operation may succeed if repeated.
func (e *StoreError) Retryable() bool { return true }

func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsRetryable reports whether err came from the store boundary.
func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
