package schedule

import (
	"errors"
	"fmt"
)

// ValidationError is returned for malformed or past-dated input. Nothing has
// been written when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError is returned for unknown entry or article references.
type NotFoundError struct {
	Kind string // "entry" or "article"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ConflictError is returned on version mismatch, a second pending entry for
// an article, or a mutation the entry's current state does not allow.
type ConflictError struct {
	ID       string
	Reason   string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	if e.Expected != 0 || e.Actual != 0 {
		return fmt.Sprintf("conflict on %s: %s (expected version %d, current %d)", e.ID, e.Reason, e.Expected, e.Actual)
	}
	return fmt.Sprintf("conflict on %s: %s", e.ID, e.Reason)
}

// PersistenceError wraps a storage failure that is not a domain outcome.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation checks if err is or wraps a ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound checks if err is or wraps a NotFoundError
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConflict checks if err is or wraps a ConflictError
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsPersistence checks if err is or wraps a PersistenceError
func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}
