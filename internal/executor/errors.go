package executor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptyCommand is returned when the argument vector is empty.
	ErrEmptyCommand = errors.New("empty command")

	// ErrSpawn is returned when the subprocess could not be started.
	ErrSpawn = errors.New("failed to start command")

	// ErrExecutionTimeout is matched by *TimeoutError.
	ErrExecutionTimeout = errors.New("execution timed out")
)

// TimeoutError reports a command that exceeded its deadline. It is only
// returned when Options.RaiseOnTimeout is set; otherwise the timeout is
// recorded on the Result.
type TimeoutError struct {
	Command []string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s after %s (limit %s)",
		ErrExecutionTimeout, strings.Join(e.Command, " "),
		e.Elapsed.Round(time.Millisecond), e.Limit)
}

// Unwrap lets errors.Is match ErrExecutionTimeout.
func (e *TimeoutError) Unwrap() error { return ErrExecutionTimeout }
