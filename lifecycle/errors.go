package lifecycle

import (
	"fmt"

	"github.com/bitserve/bitserve"
)

// ValidationError reports a malformed or unacceptable input, such as a
// descriptor that fails to parse.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError reports an attempt to add an item that already exists.
type ConflictError struct {
	ID bitserve.InfoHash
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("item %s already exists", e.ID.ShortString())
}

// NotFoundError reports an operation against an unknown item.
type NotFoundError struct {
	ID bitserve.InfoHash
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("item %s not found", e.ID.ShortString())
}

// EngineError wraps a transfer-engine failure.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// ConsistencyError reports disagreement between the catalog, the
// descriptor archive and the working set, such as an item row whose
// descriptor blob is missing.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation: %s", e.Reason)
}
