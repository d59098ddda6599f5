package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateRun is returned when an active run already exists for the
// trade date.
var ErrDuplicateRun = errors.New("active run already exists for trade date")

// PersistenceError wraps a backend failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
