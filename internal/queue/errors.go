package queue

import "errors"

var (
	// ErrJobNotFound is returned when job:{id} does not exist or expired.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidJob is returned by Enqueue for a malformed request.
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvalidStatus is returned for an unknown status name.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidTransition is returned when reporting an outcome for a job
	// that already reached a terminal status.
	ErrInvalidTransition = errors.New("invalid job status transition")
)
