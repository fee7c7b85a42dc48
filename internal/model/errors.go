package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across components. Callers match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateSession  = errors.New("duplicate session id")
	ErrLockHeld          = errors.New("a capture process is already running")
	ErrInputNotFound     = errors.New("input file not found")
	ErrInterfaceNotFound = errors.New("network interface not found")
	ErrNotReady          = errors.New("output not produced yet")
	ErrTimeout           = errors.New("operation timed out")
	ErrStopFailed        = errors.New("failed to stop capture process")
	ErrStalled           = errors.New("job stalled")
	ErrInvalidPayload    = errors.New("invalid job payload")
)

// ExternalProcessError reports a collaborator subprocess that exited
// non-zero, keeping its captured stderr as the failure reason.
type ExternalProcessError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExternalProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// IsRetryable decides whether a job failure goes back through the retry
// policy. Bad external references are permanent; everything else is
// treated as transient contention.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrInputNotFound),
		errors.Is(err, ErrInterfaceNotFound),
		errors.Is(err, ErrDuplicateSession),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrNotFound):
		return false
	}
	return true
}
