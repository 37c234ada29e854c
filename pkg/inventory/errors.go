package inventory

import (
	"errors"
	"fmt"
)

// Sentinel errors for inventory operations.
var (
	// ErrStorageCorrupt indicates the backing table cannot be parsed.
	// This is fatal to the orchestration cycle and requires operator
	// intervention; it is never auto-recovered.
	ErrStorageCorrupt = errors.New("inventory table corrupt")

	// ErrDuplicateID indicates identifier generation collided with an
	// existing record even after bounded retries.
	ErrDuplicateID = errors.New("duplicate entity id")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")
)

// StoreError wraps inventory failures with operation context.
type StoreError struct {
	// Op is the operation that failed (e.g., "Load", "Upsert").
	Op string

	// Path is the inventory table path.
	Path string

	// ID is the entity id, if applicable.
	ID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("inventory %s: %s: %s: %v", e.Op, e.Path, e.ID, e.Err)
	}
	return fmt.Sprintf("inventory %s: %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStorageCorrupt returns true if the error indicates an unparseable table.
func IsStorageCorrupt(err error) bool {
	return errors.Is(err, ErrStorageCorrupt)
}

// IsDuplicateID returns true if the error indicates an id collision.
func IsDuplicateID(err error) bool {
	return errors.Is(err, ErrDuplicateID)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
