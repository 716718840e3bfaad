package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries. Callers should use [errors.Is] to match these.
var (
	// ErrJobNotFound means the requested job ID does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnauthorized indicates missing or invalid admin credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// JobError wraps an underlying error with job context.
type JobError struct {
	JobID string
	Op    string
	Err   error
}

func (e *JobError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
