package descriptor

import "errors"

var (
	// ErrInvalidDocument is returned when a metadata document cannot be
	// parsed or does not satisfy the metadata schema.
	ErrInvalidDocument = errors.New("invalid metadata document")

	// ErrUnknownCommand is returned when a command path does not exist in
	// a tool's command tree.
	ErrUnknownCommand = errors.New("unknown command")
)
