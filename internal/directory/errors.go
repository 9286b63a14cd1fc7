package directory

import (
	"context"
	"errors"
	"net"
)

// ErrNotFound is returned by stores when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// ErrorClass buckets failures by how the scheduler must react to them.
type ErrorClass string

// Error classes, in escalating order of severity.
const (
	// ClassTransient covers recoverable provider failures: timeouts, rate
	// limits, queued responses. Retried per RetryPolicy.
	ClassTransient ErrorClass = "transient"
	// ClassPermanentRecord marks a single malformed record; it is skipped
	// and counted while processing continues.
	ClassPermanentRecord ErrorClass = "permanent_record"
	// ClassPermanentTarget marks a structurally invalid target; the target
	// is failed without rescheduling and needs operator attention.
	ClassPermanentTarget ErrorClass = "permanent_target"
	// ClassIntegrity marks a broken reconciler invariant, e.g. a duplicate
	// external ID. Fatal to the running batch.
	ClassIntegrity ErrorClass = "integrity"
)

// ClassifiedError attaches an ErrorClass to an underlying error.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as recoverable.
func Transient(err error) error {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// PermanentRecord wraps err as a single-record rejection.
func PermanentRecord(err error) error {
	return &ClassifiedError{Class: ClassPermanentRecord, Err: err}
}

// PermanentTarget wraps err as a target-level rejection.
func PermanentTarget(err error) error {
	return &ClassifiedError{Class: ClassPermanentTarget, Err: err}
}

// Integrity wraps err as an invariant violation.
func Integrity(err error) error {
	return &ClassifiedError{Class: ClassIntegrity, Err: err}
}

// Classify returns the class of err. Unclassified errors default to
// transient: network hiccups are the common case, and transient failures
// degrade safely into a rescheduled retry.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}

// IsIntegrity reports whether err carries the integrity class.
func IsIntegrity(err error) bool {
	return err != nil && Classify(err) == ClassIntegrity
}
