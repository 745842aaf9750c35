package app

import (
	"fmt"

	"vigil-go/internal/vigil"
)

// Operation statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation tracks a CLI invocation that may change agent state.
// Operations are created in memory with ID=0. Only state-changing commands
// persist them, which gives them an ID from the database.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
}

// NewOperation creates a new in-memory operation.
func NewOperation(operation, parameters string) *Operation {
	return &Operation{
		Operation:  operation,
		Parameters: parameters,
		Status:     StatusSuccess,
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation failed when err is non-nil and returns err.
func (op *Operation) Fail(err error) error {
	if err != nil {
		op.Status = StatusError
	}
	return err
}

// persist saves op to db once.
func (op *Operation) persist(db vigil.Database, clock vigil.Clock) error {
	if op.Persisted() {
		return nil
	}
	rec := &vigil.Operation{
		Operation:  op.Operation,
		Parameters: op.Parameters,
		Status:     "running",
		StartedAt:  clock.Now(),
	}
	if err := db.CreateOperation(rec); err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	op.ID = rec.ID
	return nil
}
