package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every error reporting a rejected operation.
	ErrValidation = errors.New("invalid workspace operation")

	ErrNotFound     = errors.New("no such file or directory")
	ErrNotDirectory = errors.New("not a directory")
	ErrNotFile      = errors.New("not a file")
	ErrExists       = errors.New("already exists")
	ErrInvalidPath  = errors.New("invalid path")
	ErrReservedKey  = errors.New("reserved metadata key")
)

// ValidationError reports an operation rejected before touching the document.
type ValidationError struct {
	Op   string
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

func invalid(op, path string, err error) error {
	return &ValidationError{Op: op, Path: path, Err: err}
}
