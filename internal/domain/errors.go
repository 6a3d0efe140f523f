package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidID       = errors.New("invalid id")
	ErrInvalidKind     = errors.New("invalid kind")
	ErrInvalidTitle    = errors.New("invalid title")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidQuadrant = errors.New("invalid quadrant")
	ErrInvalidList     = errors.New("invalid list")
	ErrInvalidDuration = errors.New("invalid duration")
	ErrInvalidProgress = errors.New("invalid progress")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidLink     = errors.New("invalid link")
	ErrNotFound        = errors.New("not found")
)

// ValidationError reports a malformed local write, rejected before persistence.
type ValidationError struct {
	Field string
	Err   error
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %v", e.Field, e.Err)
}

// Unwrap exposes the sentinel cause for errors.Is.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
