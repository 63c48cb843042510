package app

import "wsync-go/internal/wsync"

// CommandOperation tracks a CLI command that changes a workspace.
// Operations are created in memory with ID=0. Only mutating commands
// persist them (giving them an ID from the store's operation log).
type CommandOperation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
}

// NewCommandOperation creates a new in-memory operation that will finish
// as successful unless Fail is called.
func NewCommandOperation(operation, parameters string) *CommandOperation {
	return &CommandOperation{
		Operation:  operation,
		Parameters: parameters,
		Status:     wsync.StatusSuccess,
	}
}

// Persisted returns true if this operation has been saved to the store.
func (op *CommandOperation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed if err is non-nil and returns err.
func (op *CommandOperation) Fail(err error) error {
	if err != nil {
		op.Status = wsync.StatusError
	}
	return err
}
