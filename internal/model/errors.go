package model

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed or out-of-range field. The reading is not stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports that no data satisfies a query's filters
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.What
}

// ConflictError reports a duplicate identity key under the reject policy
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return "conflict: reading already exists at " + e.Key
}

// TransientStoreError wraps a storage failure that is safe to retry
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// NewTransientStoreError wraps err as retryable
func NewTransientStoreError(op string, err error) *TransientStoreError {
	return &TransientStoreError{Op: op, Err: err}
}

// IsValidation reports whether err has a ValidationError in its chain
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err has a NotFoundError in its chain
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConflict reports whether err has a ConflictError in its chain
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsTransient reports whether err has a TransientStoreError in its chain
func IsTransient(err error) bool {
	var target *TransientStoreError
	return errors.As(err, &target)
}
