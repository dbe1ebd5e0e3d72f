package pipeline

import (
	"context"
	"errors"
)

var (
	// ErrNotInitialized is returned when the queue manager is used before
	// Initialize or after Shutdown.
	ErrNotInitialized = errors.New("queue manager not initialized")

	// ErrQueueNotFound is returned when a queue name is not one of the six
	// pipeline queues.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrJobNotFound is returned when a job id does not exist in a queue.
	ErrJobNotFound = errors.New("job not found")
)

// Error kinds are the failure-pattern signatures consumed by the recovery
// engine. They classify what went wrong, not where.
const (
	ErrKindConnection        = "ConnectionError"
	ErrKindTimeout           = "TimeoutError"
	ErrKindRateLimit         = "RateLimitError"
	ErrKindStalledJob        = "StalledJobError"
	ErrKindJob               = "JobError"
	ErrKindCorruptFile       = "CorruptFileError"
	ErrKindUnsupportedFormat = "UnsupportedFormatError"
)

// ClassifiedError tags an error with a taxonomy kind so the recovery engine
// can group recurring failures without parsing messages.
type ClassifiedError struct {
	Kind string
	Err  error
}

func (e *ClassifiedError) Error() string {
	return e.Kind + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with an error kind.
func Classify(kind string, err error) error {
	return &ClassifiedError{Kind: kind, Err: err}
}

// ErrorKind extracts the taxonomy kind from an error chain. Unclassified
// errors default to JobError; context deadline errors map to TimeoutError.
func ErrorKind(err error) string {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	return ErrKindJob
}
