package wsync

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport is matched by every TransportError.
	ErrTransport = errors.New("transport failure")

	// ErrRejected is returned when the authority refuses a write.
	ErrRejected = errors.New("rejected by authority")

	// ErrNotFound is returned by a Vault for a missing document.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned by a Vault when a generation check fails.
	ErrConflict = errors.New("generation conflict")

	ErrClosed = errors.New("controller closed")
)

// TransportError reports that the authority could not be reached. The
// request may or may not have been applied.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// IsTransport reports whether err is a network-class failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}
