package scheduler

import (
	"errors"
	"fmt"
)

// ErrNotExecutable is returned for candidates that are not regular files.
var ErrNotExecutable = errors.New("not an executable file")

// CandidateError records why one candidate could not be discovered. It
// never aborts the rest of a scan.
type CandidateError struct {
	Path string
	Err  error
}

func (e CandidateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e CandidateError) Unwrap() error { return e.Err }
