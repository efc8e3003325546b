package session

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for intents received after Close.
var ErrClosed = errors.New("session closed")

// UserError is a failure caused by the client's request. Its message is
// shown to the user verbatim.
type UserError struct {
	Message string
}

func (e *UserError) Error() string {
	return e.Message
}

func userErrorf(format string, args ...any) error {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// spawnError reports that the agent command could not be started.
type spawnError struct {
	command string
	err     error
}

func (e *spawnError) Error() string {
	return fmt.Sprintf("failed to run %s: %v", e.command, e.err)
}

func (e *spawnError) Unwrap() error {
	return e.err
}

// clientMessage renders err for an error event.
func clientMessage(err error) string {
	var userErr *UserError
	if errors.As(err, &userErr) {
		return userErr.Message
	}
	var spawnErr *spawnError
	if errors.As(err, &spawnErr) {
		return fmt.Sprintf("Failed to run %s: %v", spawnErr.command, spawnErr.err)
	}
	return err.Error()
}
