package crdt

import "errors"

var (
	// ErrImport is returned when foreign bytes cannot be merged into a document.
	ErrImport = errors.New("import failed")

	// ErrNodeNotFound is returned when a tree node does not exist.
	ErrNodeNotFound = errors.New("tree node not found")

	// ErrNodeDeleted is returned when mutating a node that has been deleted.
	ErrNodeDeleted = errors.New("tree node deleted")

	// ErrCycle is returned when a move would place a node under its own descendant.
	ErrCycle = errors.New("move would create a cycle")

	// ErrOutOfRange is returned for text positions beyond the end of the text.
	ErrOutOfRange = errors.New("position out of range")

	// ErrUnsupportedValue is returned when a map value is not a scalar.
	ErrUnsupportedValue = errors.New("unsupported map value")
)
