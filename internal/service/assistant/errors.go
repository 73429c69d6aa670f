package assistant

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable wraps transport and API failures after retries are exhausted.
	ErrRemoteUnavailable = errors.New("remote assistant service unavailable")
	// ErrTimeout means a run did not reach a terminal status before the deadline.
	ErrTimeout = errors.New("assistant run timed out")
	// ErrRunFailed means a run ended as failed, cancelled or expired.
	ErrRunFailed = errors.New("assistant run did not complete")
	// ErrProtocol means a completed run left no assistant text behind.
	ErrProtocol = errors.New("assistant returned no text reply")
	// ErrAgentNotFound is returned by backends when an agent id no longer resolves.
	ErrAgentNotFound = errors.New("agent not found")
)

// RunError carries the terminal status of a run that did not complete.
type RunError struct {
	RunID  string
	Status RunStatus
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s ended with status %s", e.RunID, e.Status)
}

func (e *RunError) Unwrap() error {
	return ErrRunFailed
}
