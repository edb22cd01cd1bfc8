package probe

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidDescriptor is returned when a tool answers the discovery
	// flag with something that looks like metadata but is malformed or
	// fails schema validation.
	ErrInvalidDescriptor = errors.New("invalid discovery response")

	// ErrOutputTooLarge is returned when the discovery response exceeds
	// the output cap. Metadata is never accepted truncated.
	ErrOutputTooLarge = errors.New("discovery response too large")

	// ErrProbeFailed is returned when the discovery invocation could not
	// be started.
	ErrProbeFailed = errors.New("probe failed")

	// ErrProbeTimeout is matched by *TimeoutError.
	ErrProbeTimeout = errors.New("probe timed out")
)

// TimeoutError reports a discovery invocation that exceeded its deadline.
type TimeoutError struct {
	Path    string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s after %s (limit %s)", ErrProbeTimeout, e.Path, e.Elapsed.Round(time.Millisecond), e.Limit)
}

// Unwrap lets errors.Is match ErrProbeTimeout.
func (e *TimeoutError) Unwrap() error { return ErrProbeTimeout }
