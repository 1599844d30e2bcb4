package worker

import "errors"

var (
	// ErrNoExecutor is returned when no executor is registered for a job type
	ErrNoExecutor = errors.New("no executor registered for job type")

	// ErrInvalidPayload is returned when the job data is not valid JSON
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrJobTimeout is returned when the executor did not finish before the job deadline
	ErrJobTimeout = errors.New("job execution timed out")
)

// PermanentError wraps executor errors that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// shouldRetry decides the retry flag passed to the queue for a failed attempt.
func shouldRetry(err error) bool {
	if errors.Is(err, ErrNoExecutor) || errors.Is(err, ErrInvalidPayload) {
		return false
	}

	var permanent *PermanentError
	return !errors.As(err, &permanent)
}
