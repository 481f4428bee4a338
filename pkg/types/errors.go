package types

import (
	"errors"
	"fmt"
)

// Store errors.
var (
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrNotFound          = errors.New("row not found")
	ErrInvalidIdentifier = errors.New("invalid SQL identifier")
	ErrInvalidData       = errors.New("invalid data")
	ErrEmptyBatch        = errors.New("empty batch")
)

// Export errors.
var (
	ErrUnmappedState = errors.New("unmapped lifecycle state")
	ErrHalted        = errors.New("exporter halted after systemic update failure")
	ErrAllUpdates    = errors.New("no update in the batch succeeded")
)

// RecoverableError reports that the update of a single item failed and was
// rolled back to that item's savepoint. Other items in the batch proceed.
type RecoverableError struct {
	ItemID int64
	Err    error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("update item %d: %v", e.ItemID, e.Err)
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// FatalError reports that a non-empty update batch had zero successes.
// The store and the mirror can no longer be assumed to agree.
type FatalError struct {
	Attempted int
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("all %d updates were unsuccessful: %v", e.Attempted, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ExportError reports a statement failure with the store reachable. The
// whole batch identified by Op was rolled back.
type ExportError struct {
	Op  string
	Err error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }
