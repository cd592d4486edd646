package services

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a routing or reattach target does not exist,
// is closed, or is not owned by the calling connection. It is always surfaced
// to the client explicitly so a stale id is never silently dropped.
var ErrNotFound = errors.New("session not found")

// ErrClosed is returned for writes or resizes against a PTY whose child
// process has already exited.
var ErrClosed = errors.New("pty process already exited")

// ErrTooManySessions is returned by Create when the configured session cap
// has been reached.
var ErrTooManySessions = errors.New("maximum number of sessions reached")

// SpawnError reports a failure to start a PTY-backed child process. It is
// fatal to the one create request that triggered it, never to the registry.
type SpawnError struct {
	Hint string
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("pty spawn failed: %v (%s)", e.Err, e.Hint)
	}
	return fmt.Sprintf("pty spawn failed: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
