package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrClaimConflict means the artifact was claimed or moved by someone else.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrStoreUnavailable wraps connection-level store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned for unknown artifact IDs.
	ErrNotFound = errors.New("artifact not found")
	// ErrSaturated means every dispatcher slot is busy.
	ErrSaturated = errors.New("worker pool saturated")
	// ErrNotFailed is returned when a retry targets an artifact outside FAILED.
	ErrNotFailed = errors.New("artifact is not failed")
)

// ErrorKind classifies stage worker failures.
type ErrorKind string

// Worker error kinds.
const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// WorkerError is a classified stage worker failure.
type WorkerError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *WorkerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable worker failure.
func Transient(op string, err error) error {
	return &WorkerError{Kind: ErrorKindTransient, Op: op, Err: err}
}

// Permanent wraps err as a failure that retrying will not fix.
func Permanent(op string, err error) error {
	return &WorkerError{Kind: ErrorKindPermanent, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ErrorKindTransient
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	return KindOf(err) == ErrorKindPermanent
}

// Unavailable marks err as a store connectivity failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}
