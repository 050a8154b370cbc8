package engine

import (
	"errors"
	"fmt"
)

// Permanent failures: the job is deleted without retry.
var (
	ErrExecutorMissing              = errors.New("executor missing")
	ErrRequiredThreadIDMissing      = errors.New("required thread id missing")
	ErrRequiredInteractionIDMissing = errors.New("required interaction id missing")
	ErrMissingDependencies          = errors.New("missing dependencies")
)

var (
	// ErrPossibleDeferralLoop is a retryable failure raised for a job that keeps
	// deferring itself faster than once per second.
	ErrPossibleDeferralLoop = errors.New("possible deferral loop")
	ErrInsertNotAllowed     = errors.New("insert not allowed for behaviour")
	ErrUnknownVariant       = errors.New("unknown job variant")
	ErrNotPersisted         = errors.New("job has no id")
	ErrQueueConfig          = errors.New("invalid queue configuration")
	ErrClosed               = errors.New("job runner closed")

	errNilResult        = errors.New("executor returned no result")
	errUnexpectedResult = errors.New("executor returned an unsupported result type")
)

// NoRetry marks an error as non-retryable.
//
// Executors can wrap validation errors with NoRetry and return Failure;
// the queue then treats the failure as permanent.
//
// Example:
//
//	return engine.Failure(j, engine.NoRetry(fmt.Errorf("bad payload: %w", err)))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// PanicError is reported as the failure of an executor that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("executor panic: %v", e.Value) }
