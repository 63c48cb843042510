package changeset

import (
	"errors"
	"fmt"

	"wsync-go/internal/crdt"
)

// ErrStructuralInvariant is matched by every InvariantError.
var ErrStructuralInvariant = errors.New("structural invariant violated")

// InvariantError reports a document that cannot be turned into a changeset.
// It signals corruption or an engine defect and is never retried.
type InvariantError struct {
	Node   crdt.TreeID
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("node %s: %s", e.Node, e.Reason)
}

func (e *InvariantError) Unwrap() error { return ErrStructuralInvariant }
