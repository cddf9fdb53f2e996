package bridge

import (
	"errors"
	"fmt"

	"github.com/dshills/edbridge/internal/lifecycle"
)

// Bridge errors.
var (
	// ErrInvalidArgument indicates a rejected argument. Nothing was enqueued.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotRunning indicates the session has not started or has ended.
	ErrNotRunning = lifecycle.ErrNotRunning

	// ErrUnsavedChanges indicates a close was refused because the buffer
	// has unsaved changes.
	ErrUnsavedChanges = errors.New("unsaved changes")
)

// OperationError records which bridge operation failed and on what.
type OperationError struct {
	Op     string // Operation name (e.g., "resize", "open")
	Target string // Target of the operation (e.g., a path or a size)
	Err    error  // Underlying error
}

// NewOperationError creates a new OperationError.
func NewOperationError(op, target string, err error) *OperationError {
	return &OperationError{Op: op, Target: target, Err: err}
}

func (e *OperationError) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Op
	if e.Target != "" {
		msg = fmt.Sprintf("%s %s", e.Op, e.Target)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches both the wrapper itself and the wrapped error.
func (e *OperationError) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*OperationError); ok {
		return e == t
	}
	return errors.Is(e.Err, target)
}
