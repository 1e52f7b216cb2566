package app

import "github.com/google/uuid"

// Operation identifies one CLI invocation. Its ID tags every log line the
// invocation writes, so concurrent runs can be told apart in the log file.
type Operation struct {
	ID     string
	Name   string
	Status string // "ok" or "error"
}

// NewOperation creates an operation with a fresh random ID.
func NewOperation(name string) *Operation {
	return &Operation{
		ID:     uuid.New().String(),
		Name:   name,
		Status: "ok",
	}
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = "error"
}

// ShortID is the prefix of ID used in log lines.
func (op *Operation) ShortID() string {
	if len(op.ID) < 8 {
		return op.ID
	}
	return op.ID[:8]
}
