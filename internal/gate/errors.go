package gate

import "errors"

var (
	// ErrUnsupported is returned when a tool neither supports discovery nor
	// has a shim document, so nothing is known about its effects.
	ErrUnsupported = errors.New("tool metadata unavailable")

	// ErrBinaryChanged is returned when the binary's content changed
	// between evaluation and execution.
	ErrBinaryChanged = errors.New("binary changed since evaluation")
)
