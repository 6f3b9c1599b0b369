package queue

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownQueue      = errors.New("queue is not registered")
	ErrAlreadyRegistered = errors.New("queue is already registered")
	ErrStopped           = errors.New("orchestrator is stopped")
)

// FatalError marks a handler failure that must not be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the orchestrator fails the job without retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// JobExhaustedError is the terminal failure of a job, handed to the queue's
// OnExhausted hook.
type JobExhaustedError struct {
	Queue    string
	Key      string
	Attempts int
	Err      error
}

func (e *JobExhaustedError) Error() string {
	return fmt.Sprintf("job %s on %s failed after %d attempts: %v", e.Key, e.Queue, e.Attempts, e.Err)
}

func (e *JobExhaustedError) Unwrap() error { return e.Err }

// IsRetryable decides whether a handler error earns another attempt. Fatal
// errors and errors reporting IsRetryable() == false stop; everything else,
// timeouts included, retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	var classified interface{ IsRetryable() bool }
	if errors.As(err, &classified) {
		return classified.IsRetryable()
	}
	return true
}
